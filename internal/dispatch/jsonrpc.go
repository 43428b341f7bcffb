// Package dispatch implements the JSON-RPC 2.0 layer shared by every
// transport: envelope parsing, the MCP method table and error mapping.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
)

// Error is a JSON-RPC error object. It doubles as a Go error so handlers
// can return a precise code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r Request) IsNotification() bool {
	return len(bytes.TrimSpace(r.ID)) == 0
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: responseID(id), Result: result}
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: responseID(id), Error: err}
}

// ErrorResponse builds the reply to a request that failed before it could
// be dispatched.
func ErrorResponse(id json.RawMessage, err *Error) *Response {
	return errorResponse(id, err)
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}

// Parse decodes one message. Invalid JSON yields a parse_error; valid JSON
// that is not a JSON-RPC 2.0 request object yields invalid_request. The
// returned Request keeps whatever id could be recovered so the error can be
// correlated.
func Parse(line []byte) (Request, *Error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !json.Valid(line) {
		return Request{}, &Error{Code: CodeParseError, Message: "parse error"}
	}
	if line[0] != '{' {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: "invalid request: expected a JSON object"}
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{ID: recoverID(line)}, &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	}
	if !validID(req.ID) {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: "invalid request: id must be a string, number or null"}
	}
	if req.JSONRPC != "2.0" {
		return req, &Error{Code: CodeInvalidRequest, Message: `invalid request: jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: missing method"}
	}
	return req, nil
}

func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

func recoverID(line []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || !validID(probe.ID) {
		return nil
	}
	return probe.ID
}
