// Package hub supervises the mounted engines and routes tool calls to them
// under one namespace.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/router"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

var (
	ErrUnknownEngine = errors.New("unknown engine")
	ErrEngineExists  = errors.New("engine already mounted")
)

// EngineSpec describes one engine to mount.
type EngineSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Options struct {
	Name        string
	Version     string
	Description string
	BasePath    string

	// Middlewares wrap every call, engine-backed or built-in.
	Middlewares []toolkit.Middleware
	Replay      *audit.Replay
	StopGrace   time.Duration
	Logger      *slog.Logger
}

type mounted struct {
	spec EngineSpec
	proc *engine.Process
}

// Hub is the multiplexer. It implements dispatch.Target.
type Hub struct {
	opts   Options
	logger *slog.Logger
	router *router.Router

	mu      sync.RWMutex
	engines map[string]*mounted

	builtins  *toolkit.Table
	registrar *toolkit.Registrar

	listenersMu sync.RWMutex
	listeners   []func(engine.StatusEvent)
}

func New(opts Options) *Hub {
	if opts.Name == "" {
		opts.Name = "toolhub"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		opts:    opts,
		logger:  logger,
		router:  router.New(),
		engines: make(map[string]*mounted),
	}
	h.builtins = h.builtinTools()
	h.registrar = toolkit.NewRegistrar("hub", hubResolver{h}, opts.Middlewares, toolkit.WithLogger(logger))
	return h
}

// OnStatus registers fn for every engine status transition, after the
// router has been updated.
func (h *Hub) OnStatus(fn func(engine.StatusEvent)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Mount adds an engine and starts it. A start failure leaves the engine
// mounted but offline so it can be restarted later.
func (h *Hub) Mount(ctx context.Context, spec EngineSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errors.New("engine name must not be empty")
	}
	spec.Name = name

	proc := engine.New(engine.Options{
		Name:           name,
		Command:        spec.Command,
		Args:           spec.Args,
		Env:            spec.Env,
		Dir:            spec.Dir,
		BasePath:       h.opts.BasePath,
		Timeout:        spec.Timeout,
		StopGrace:      h.opts.StopGrace,
		ClientName:     h.opts.Name,
		ClientVersion:  h.opts.Version,
		Logger:         h.logger,
		OnStatusChange: h.onStatus,
	})

	h.mu.Lock()
	if _, exists := h.engines[name]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEngineExists, name)
	}
	h.engines[name] = &mounted{spec: spec, proc: proc}
	h.mu.Unlock()

	h.logger.Info("engine_mounted", slog.String("engine", name), slog.String("command", spec.Command))
	return proc.Start(ctx)
}

// Unmount stops the engine and forgets it.
func (h *Hub) Unmount(name string) error {
	h.mu.Lock()
	m, ok := h.engines[name]
	if ok {
		delete(h.engines, name)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	err := m.proc.Stop()
	h.router.Remove(name)
	h.logger.Info("engine_unmounted", slog.String("engine", name))
	return err
}

func (h *Hub) Restart(ctx context.Context, name string) error {
	m, ok := h.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	return m.proc.Restart(ctx)
}

// Reconcile brings the mounted set in line with specs: new engines are
// mounted, missing ones unmounted, changed ones remounted.
func (h *Hub) Reconcile(ctx context.Context, specs []EngineSpec) error {
	want := make(map[string]EngineSpec, len(specs))
	for _, s := range specs {
		want[s.Name] = s
	}

	h.mu.RLock()
	current := make(map[string]EngineSpec, len(h.engines))
	for name, m := range h.engines {
		current[name] = m.spec
	}
	h.mu.RUnlock()

	var errs []error
	for _, name := range sortedNames(current) {
		next, keep := want[name]
		if keep && reflect.DeepEqual(next, current[name]) {
			continue
		}
		if err := h.Unmount(name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range sortedNames(want) {
		if prev, ok := current[name]; ok && reflect.DeepEqual(prev, want[name]) {
			continue
		}
		if err := h.Mount(ctx, want[name]); err != nil {
			errs = append(errs, fmt.Errorf("mount %s: %w", name, err))
		}
	}
	h.logger.Info("engines_reconciled", slog.Int("engines", len(want)), slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Close stops every engine.
func (h *Hub) Close() error {
	h.mu.Lock()
	all := h.engines
	h.engines = make(map[string]*mounted)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, m := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.proc.Stop()
			h.router.Remove(name)
		}()
	}
	wg.Wait()
	return nil
}

// Engines returns status snapshots sorted by name.
func (h *Hub) Engines() []engine.Snapshot {
	h.mu.RLock()
	out := make([]engine.Snapshot, 0, len(h.engines))
	for _, m := range h.engines {
		out = append(out, m.proc.Snapshot())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusCounts reports how many engines are in each status.
func (h *Hub) StatusCounts() map[string]int {
	counts := map[string]int{
		string(engine.StatusIdle):    0,
		string(engine.StatusBooting): 0,
		string(engine.StatusOnline):  0,
		string(engine.StatusOffline): 0,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.engines {
		counts[string(m.proc.Status())]++
	}
	return counts
}

func (h *Hub) Info() toolkit.ServerInfo {
	return toolkit.ServerInfo{Name: h.opts.Name, Version: h.opts.Version, Description: h.opts.Description}
}

// Specs lists the built-in hub tools followed by every routed tool.
func (h *Hub) Specs() []toolkit.Spec {
	return h.registrar.Specs()
}

// Tools returns the routed engine tools only.
func (h *Hub) Tools() []toolkit.Spec {
	return h.router.Tools()
}

// Call routes one tool call through the hub middleware chain.
func (h *Hub) Call(ctx context.Context, name string, args map[string]any, meta toolkit.CallMeta) (any, error) {
	if meta.Service == "" {
		meta.Service = "hub"
	}
	return h.registrar.Call(ctx, name, args, meta)
}

func (h *Hub) lookup(name string) (*mounted, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.engines[name]
	return m, ok
}

func (h *Hub) onStatus(ev engine.StatusEvent) {
	switch ev.To {
	case engine.StatusOnline:
		h.router.Register(ev.Engine, ev.Tools)
		h.logger.Info("engine_routed", slog.String("engine", ev.Engine), slog.Int("tools", len(ev.Tools)))
	case engine.StatusOffline:
		h.router.Remove(ev.Engine)
		h.logger.Warn("engine_offline", slog.String("engine", ev.Engine), slog.String("reason", ev.Reason))
	}

	h.listenersMu.RLock()
	listeners := append([]func(engine.StatusEvent){}, h.listeners...)
	h.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// engineHandler forwards a routed call to the owning engine.
func (h *Hub) engineHandler(entry router.Entry) toolkit.Handler {
	return func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
		m, ok := h.lookup(entry.Engine)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, entry.Engine)
		}
		return m.proc.CallTool(ctx, entry.Tool, args)
	}
}

type hubResolver struct{ h *Hub }

func (r hubResolver) Specs() []toolkit.Spec {
	return append(r.h.builtins.Specs(), r.h.router.Tools()...)
}

// Resolve prefers hub.* built-ins, then routed engine tools, then bare
// built-in names.
func (r hubResolver) Resolve(name string) (toolkit.Spec, toolkit.Handler, bool) {
	if isBuiltinName(name) {
		if spec, handler, ok := r.h.builtins.Resolve(name); ok {
			return spec, handler, true
		}
	}
	if entry, err := r.h.router.Lookup(name); err == nil {
		return entry.Spec, r.h.engineHandler(entry), true
	}
	return r.h.builtins.Resolve(name)
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
