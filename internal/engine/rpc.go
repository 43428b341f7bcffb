package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrOffline means the engine process is not running. Supervisors may
	// restart on it.
	ErrOffline = errors.New("engine offline")

	// ErrTimeout means no response arrived within the deadline. The child
	// may still be working on the request.
	ErrTimeout = errors.New("engine rpc timeout")
)

// RPCError is an application-level failure: the engine ran and answered
// with an error envelope (or an isError tool result).
type RPCError struct {
	Engine  string
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error from engine %s (%s): %s", e.Engine, e.Method, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// responseID extracts the numeric id we assigned. Engines may echo it back
// as a number or as a decimal string.
func (m rpcMessage) responseID() (uint64, bool) {
	raw := strings.TrimSpace(string(m.ID))
	if raw == "" || raw == "null" {
		return 0, false
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(m.ID, &s); err != nil {
			return 0, false
		}
		raw = s
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions"`
}

type toolsCallResult struct {
	Content []struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// decodeToolResult unwraps the {content:[{type:"text",text:...}]} envelope.
// JSON text is decoded; anything else is returned as a string. Results that
// are not envelopes are decoded as-is.
func decodeToolResult(engine string, raw json.RawMessage) (any, error) {
	var env toolsCallResult
	if err := json.Unmarshal(raw, &env); err != nil || env.Content == nil {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode tools/call result: %w", err)
		}
		return out, nil
	}

	text := ""
	for _, item := range env.Content {
		if item.Type == "text" && item.Text != nil {
			text = *item.Text
			break
		}
	}
	if env.IsError {
		return nil, &RPCError{Engine: engine, Method: "tools/call", Message: text}
	}

	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, nil
		}
	}
	return text, nil
}
