package toolkit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Builder declares a service's tools and middlewares together:
//
//	reg, err := toolkit.NewBuilder("context").
//		Use(middleware.Validation()).
//		Tool("echo", "Echo the arguments back").
//		Param("msg", "string", "message to echo", true).
//		Handle(echo).
//		Build()
type Builder struct {
	service string
	mws     []Middleware
	opts    []Option
	tools   []Tool
	errs    []error
}

func NewBuilder(service string) *Builder {
	return &Builder{service: service}
}

// Use appends middlewares; the first one added is the outermost.
func (b *Builder) Use(mws ...Middleware) *Builder {
	for _, mw := range mws {
		if mw != nil {
			b.mws = append(b.mws, mw)
		}
	}
	return b
}

func (b *Builder) With(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Tool starts a tool declaration. It is added to the builder by Handle.
func (b *Builder) Tool(name, description string) *ToolBuilder {
	return &ToolBuilder{
		b: b,
		spec: Spec{
			Name:        name,
			Description: description,
		},
		props: map[string]any{},
	}
}

func (b *Builder) Build() (*Registrar, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	table, err := NewTable(b.service, b.tools...)
	if err != nil {
		return nil, err
	}
	return NewRegistrar(b.service, table, b.mws, b.opts...), nil
}

type ToolBuilder struct {
	b        *Builder
	spec     Spec
	props    map[string]any
	required []string
	raw      bool
}

// Param declares one input property. typ is a JSON Schema type name or
// "[]string" for an array of strings.
func (t *ToolBuilder) Param(name, typ, description string, required bool) *ToolBuilder {
	prop, err := propertySchema(typ)
	if err != nil {
		t.b.errs = append(t.b.errs, fmt.Errorf("tool %s param %s: %w", t.spec.Name, name, err))
		return t
	}
	if description != "" {
		prop["description"] = description
	}
	t.props[name] = prop
	if required {
		t.required = append(t.required, name)
	}
	return t
}

// Schema replaces the generated input schema with a literal one.
func (t *ToolBuilder) Schema(schema map[string]any) *ToolBuilder {
	t.spec.InputSchema = cloneMap(schema)
	t.raw = true
	return t
}

func (t *ToolBuilder) Output(schema map[string]any) *ToolBuilder {
	t.spec.OutputSchema = cloneMap(schema)
	return t
}

func (t *ToolBuilder) RequiresSystem() *ToolBuilder {
	t.spec.RequiresSystem = true
	return t
}

func (t *ToolBuilder) Handle(h Handler) *Builder {
	if !t.raw {
		schema := map[string]any{
			"type":       "object",
			"properties": t.props,
		}
		if len(t.required) > 0 {
			req := make([]any, 0, len(t.required))
			for _, r := range t.required {
				req = append(req, r)
			}
			schema["required"] = req
		}
		t.spec.InputSchema = schema
	}
	t.b.tools = append(t.b.tools, Tool{Spec: t.spec, Handler: h})
	return t.b
}

func propertySchema(typ string) (map[string]any, error) {
	switch strings.TrimSpace(typ) {
	case "string", "integer", "number", "boolean", "object":
		return map[string]any{"type": typ}, nil
	case "array", "[]string":
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

// Factory builds a service's registrar around the given middlewares.
type Factory func(mws []Middleware, opts ...Option) (*Registrar, error)

// Service is the whole contract between the core and an engine's business
// logic: a server_info query and a registrar factory.
type Service struct {
	Info  func() ServerInfo
	Build Factory
}

// Services maps service names to their constructors. It is populated
// explicitly at startup.
type Services struct {
	mu     sync.RWMutex
	byName map[string]Service
}

func NewServices() *Services {
	return &Services{byName: make(map[string]Service)}
}

func (s *Services) Register(name string, svc Service) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("service name must not be empty")
	}
	if svc.Info == nil || svc.Build == nil {
		return fmt.Errorf("service %q: info and build are required", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	s.byName[name] = svc
	return nil
}

func (s *Services) Lookup(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.byName[strings.TrimSpace(name)]
	return svc, ok
}

func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
