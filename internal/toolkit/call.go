package toolkit

import (
	"context"
	"log/slog"
	"sync"
)

// InvokeFunc runs another tool through the same middleware chain as the
// current call. The nested call inherits the caller's trace id.
type InvokeFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Call is the per-invocation state handed to middlewares and handlers. It is
// created by the Registrar for every call and discarded afterwards.
type Call struct {
	Service   string
	RequestID string
	Tool      string
	Spec      Spec
	Logger    *slog.Logger

	// Depth is 0 for a call that entered from a transport and grows by one
	// for every nested Invoke.
	Depth int

	mu      sync.Mutex
	traceID string
	invoke  InvokeFunc
	handler Handler
}

// CallMeta seeds a Call. TraceID may be empty; the trace interceptor then
// assigns one.
type CallMeta struct {
	Service   string
	RequestID string
	TraceID   string
	Depth     int
}

// TraceID returns the trace id, or "" when none has been assigned yet.
func (c *Call) TraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID
}

// AssignTraceID sets the trace id if it is still empty and reports the id
// in effect afterwards. An assigned id never changes.
func (c *Call) AssignTraceID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.traceID == "" {
		c.traceID = id
	}
	return c.traceID
}

// Invoke calls another tool of the same registrar. The trace id of c is
// propagated unchanged.
func (c *Call) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if c.invoke == nil {
		return nil, ErrNoInvoke
	}
	return c.invoke(ctx, name, args)
}

// Meta returns the metadata a nested call derived from c starts with.
func (c *Call) Meta() CallMeta {
	return CallMeta{
		Service:   c.Service,
		RequestID: c.RequestID,
		TraceID:   c.TraceID(),
		Depth:     c.Depth,
	}
}

// TraceMetaKey is the `_meta` key carrying the trace id across the engine
// pipe.
const TraceMetaKey = "toolhub/traceId"

type traceIDKey struct{}

// ContextWithTraceID records the trace id of the call being served so
// outbound engine calls can forward it.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext returns the trace id stored by ContextWithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
