package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/middleware"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

const DefaultProtocolVersion = "2024-11-05"

// Target is what a Dispatcher serves: a single service registrar or, in
// hub mode, the multiplexer.
type Target interface {
	Info() toolkit.ServerInfo
	Specs() []toolkit.Spec
	Call(ctx context.Context, name string, args map[string]any, meta toolkit.CallMeta) (any, error)
}

// ServiceTarget adapts a registrar and its server info to Target.
func ServiceTarget(info toolkit.ServerInfo, reg *toolkit.Registrar) Target {
	return serviceTarget{info: info, reg: reg}
}

type serviceTarget struct {
	info toolkit.ServerInfo
	reg  *toolkit.Registrar
}

func (s serviceTarget) Info() toolkit.ServerInfo { return s.info }
func (s serviceTarget) Specs() []toolkit.Spec    { return s.reg.Specs() }
func (s serviceTarget) Call(ctx context.Context, name string, args map[string]any, meta toolkit.CallMeta) (any, error) {
	return s.reg.Call(ctx, name, args, meta)
}

type Dispatcher struct {
	target          Target
	logger          *slog.Logger
	protocolVersion string
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithProtocolVersion(v string) Option {
	return func(d *Dispatcher) {
		if strings.TrimSpace(v) != "" {
			d.protocolVersion = v
		}
	}
}

func New(target Target, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		target:          target,
		logger:          slog.Default(),
		protocolVersion: DefaultProtocolVersion,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleMessage parses one raw message and returns the encoded response,
// or nil when the message was a notification.
func (d *Dispatcher) HandleMessage(ctx context.Context, line []byte) []byte {
	var resp *Response
	req, perr := Parse(line)
	if perr != nil {
		d.logger.Debug("rpc_rejected", slog.Int("code", perr.Code), slog.String("message", perr.Message))
		resp = errorResponse(req.ID, perr)
	} else {
		resp = d.Handle(ctx, req)
	}
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("rpc_encode_failed", slog.String("method", req.Method), slog.Any("err", err))
		out, _ = json.Marshal(errorResponse(req.ID, &Error{Code: CodeInternalError, Message: "failed to encode response"}))
	}
	return out
}

// Handle runs one parsed request. Notifications return nil.
func (d *Dispatcher) Handle(ctx context.Context, req Request) *Response {
	if req.IsNotification() {
		d.logger.Debug("rpc_notification", slog.String("method", req.Method))
		return nil
	}
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, d.initialize(req.Params))
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		specs := d.target.Specs()
		if specs == nil {
			specs = []toolkit.Spec{}
		}
		return resultResponse(req.ID, map[string]any{"tools": specs})
	case "tools/call":
		result, err := d.callTool(ctx, req.Params)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, result)
	default:
		return errorResponse(req.ID, Errorf(CodeMethodNotFound, "method not found: %s", req.Method))
	}
}

func (d *Dispatcher) initialize(raw json.RawMessage) map[string]any {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(raw, &params)
	version := d.protocolVersion
	if v := strings.TrimSpace(params.ProtocolVersion); v != "" {
		version = v
	}

	info := d.target.Info()
	instructions := strings.TrimSpace(info.Description)
	if instructions == "" {
		instructions = fmt.Sprintf("%s exposes %d tools. Call tools/list to discover them.", info.Name, len(d.target.Specs()))
	}
	return map[string]any{
		"protocolVersion": version,
		"serverInfo": map[string]any{
			"name":    info.Name,
			"version": info.Version,
		},
		"capabilities": map[string]any{"tools": map[string]any{}},
		"instructions": instructions,
	}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      map[string]any `json:"_meta"`
}

func (d *Dispatcher) callTool(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params callParams
	if len(raw) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: missing tool name"}
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: missing tool name"}
	}

	meta := toolkit.CallMeta{}
	if len(params.Meta) > 0 {
		carrier := propagation.MapCarrier{}
		for k, v := range params.Meta {
			if s, ok := v.(string); ok {
				carrier[k] = s
			}
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
		meta.TraceID = carrier[toolkit.TraceMetaKey]
	}

	out, err := d.target.Call(ctx, name, params.Arguments, meta)
	if err != nil {
		rpcErr := MapError(err)
		d.logger.Error("rpc_tool_failed",
			slog.String("tool", name),
			slog.Int("code", rpcErr.Code),
			slog.String("error_type", fmt.Sprintf("%T", err)),
			slog.String("err", err.Error()),
		)
		return nil, rpcErr
	}
	return TextResult(out), nil
}

// TextResult wraps a tool result in the MCP content envelope with the
// result pretty-printed as JSON.
func TextResult(out any) map[string]any {
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		b = []byte("{}")
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(b)}},
	}
}

// MapError converts a tool failure into a JSON-RPC error. Only the message
// crosses the wire.
func MapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var engineErr *engine.RPCError
	switch {
	case errors.Is(err, ErrUnknownService):
		return &Error{Code: CodeMethodNotFound, Message: ErrUnknownService.Error()}
	case errors.Is(err, toolkit.ErrToolNotFound):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, middleware.ErrValidation):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.As(err, &engineErr):
		code := engineErr.Code
		if code == 0 {
			code = CodeInternalError
		}
		return &Error{Code: code, Message: engineErr.Message}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}
