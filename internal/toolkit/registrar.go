package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrNoInvoke     = errors.New("nested invoke not available")
	ErrMaxDepth     = errors.New("nested invoke depth exceeded")
)

const defaultMaxDepth = 8

// Handler executes one tool.
type Handler func(ctx context.Context, call *Call, args map[string]any) (any, error)

// Next continues the middleware chain.
type Next func(ctx context.Context, call *Call, name string, args map[string]any) (any, error)

// Middleware intercepts a tool call. It must call next to proceed and may
// rewrite args on the way in or the result/error on the way out.
type Middleware func(ctx context.Context, call *Call, name string, args map[string]any, next Next) (any, error)

// Resolver is the tool table a Registrar dispatches into.
type Resolver interface {
	Specs() []Spec
	Resolve(name string) (Spec, Handler, bool)
}

// Tool pairs a spec with its handler.
type Tool struct {
	Spec    Spec
	Handler Handler
}

// Table is a static Resolver. Names are looked up exactly first, then with
// the namespace prefix stripped, then in normalized form.
type Table struct {
	namespace string
	tools     map[string]Tool
	aliases   map[string]string
}

// NewTable builds a Table. Duplicate tool names are rejected.
func NewTable(namespace string, tools ...Tool) (*Table, error) {
	t := &Table{
		namespace: namespace,
		tools:     make(map[string]Tool, len(tools)),
		aliases:   make(map[string]string, len(tools)),
	}
	for _, tool := range tools {
		if err := t.add(tool); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(tool Tool) error {
	name := strings.TrimSpace(tool.Spec.Name)
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	if _, exists := t.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	tool.Spec.Name = name
	t.tools[name] = tool
	t.aliases[NormalizeName(name)] = name
	if t.namespace != "" {
		t.aliases[NormalizeName(Qualify(t.namespace, name))] = name
	}
	return nil
}

func (t *Table) Specs() []Spec {
	out := make([]Spec, 0, len(t.tools))
	for _, tool := range t.tools {
		out = append(out, tool.Spec.Clone())
	}
	SortSpecs(out)
	return out
}

func (t *Table) Resolve(name string) (Spec, Handler, bool) {
	name = strings.TrimSpace(name)
	if tool, ok := t.tools[name]; ok {
		return tool.Spec.Clone(), tool.Handler, true
	}
	if t.namespace != "" {
		if tool, ok := t.tools[strings.TrimPrefix(name, t.namespace+".")]; ok {
			return tool.Spec.Clone(), tool.Handler, true
		}
	}
	if canonical, ok := t.aliases[NormalizeName(name)]; ok {
		tool := t.tools[canonical]
		return tool.Spec.Clone(), tool.Handler, true
	}
	return Spec{}, nil, false
}

// Registrar holds a service's tool table together with its middleware chain.
type Registrar struct {
	service   string
	resolver  Resolver
	chain     Next
	logger    *slog.Logger
	maxDepth  int
	requestID func() string
}

type Option func(*Registrar)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registrar) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMaxDepth(depth int) Option {
	return func(r *Registrar) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

func WithRequestIDs(next func() string) Option {
	return func(r *Registrar) {
		if next != nil {
			r.requestID = next
		}
	}
}

// NewRegistrar folds mws right-to-left around the tool handler: mws[0] is
// the outermost interceptor. The chain is built once here.
func NewRegistrar(service string, resolver Resolver, mws []Middleware, opts ...Option) *Registrar {
	r := &Registrar{
		service:   service,
		resolver:  resolver,
		logger:    slog.Default(),
		maxDepth:  defaultMaxDepth,
		requestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}

	next := Next(runHandler)
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		inner := next
		next = func(ctx context.Context, call *Call, name string, args map[string]any) (any, error) {
			return mw(ctx, call, name, args, inner)
		}
	}
	r.chain = next
	return r
}

func (r *Registrar) Service() string { return r.service }

// Specs returns a sorted deep copy of every tool spec.
func (r *Registrar) Specs() []Spec {
	specs := CloneSpecs(r.resolver.Specs())
	SortSpecs(specs)
	return specs
}

// Call runs the named tool through the middleware chain.
func (r *Registrar) Call(ctx context.Context, name string, args map[string]any, meta CallMeta) (any, error) {
	spec, handler, ok := r.resolver.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if meta.Depth > r.maxDepth {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrMaxDepth, spec.Name, meta.Depth)
	}
	if args == nil {
		args = map[string]any{}
	}
	service := meta.Service
	if service == "" {
		service = r.service
	}
	requestID := meta.RequestID
	if requestID == "" {
		requestID = r.requestID()
	}

	call := &Call{
		Service:   service,
		RequestID: requestID,
		Tool:      spec.Name,
		Spec:      spec,
		Logger:    r.logger.With(slog.String("service", service), slog.String("tool", spec.Name)),
		Depth:     meta.Depth,
		traceID:   meta.TraceID,
		handler:   handler,
	}
	call.invoke = func(ctx context.Context, name string, args map[string]any) (any, error) {
		nested := call.Meta()
		nested.Depth++
		return r.Call(ctx, name, args, nested)
	}
	return r.chain(ctx, call, spec.Name, args)
}

func runHandler(ctx context.Context, call *Call, name string, args map[string]any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			call.Logger.Error("tool_panic",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			out = nil
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return call.handler(ctx, call, args)
}
