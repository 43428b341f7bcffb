package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nuetzliches/toolhub/internal/toolkit"
)

// ErrToolNotFound is shared with toolkit so both lookups map to the same
// JSON-RPC error.
var ErrToolNotFound = toolkit.ErrToolNotFound

// Entry binds a namespaced tool name to the engine that owns it.
type Entry struct {
	Engine string
	Tool   string
	Spec   toolkit.Spec
}

// Router maps namespaced tool names to engines. Entries are always replaced
// or removed per engine under one lock so readers never see a mix of an
// engine's old and new catalogs.
type Router struct {
	mu       sync.Mutex
	entries  map[string]Entry
	byEngine map[string][]string
	aliases  map[string]string
}

func New() *Router {
	return &Router{
		entries:  make(map[string]Entry),
		byEngine: make(map[string][]string),
		aliases:  make(map[string]string),
	}
}

// Register replaces every entry owned by engine with specs. Names are
// qualified as "<engine>.<tool>" unless they already carry the prefix.
func (r *Router) Register(engine string, specs []toolkit.Spec) {
	fresh := make([]Entry, 0, len(specs))
	for _, spec := range specs {
		tool := strings.TrimSpace(spec.Name)
		if tool == "" {
			continue
		}
		qualified := toolkit.Qualify(engine, tool)
		s := spec.Clone()
		s.Name = qualified
		fresh = append(fresh, Entry{
			Engine: engine,
			Tool:   tool,
			Spec:   s,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(engine)
	names := make([]string, 0, len(fresh))
	for _, e := range fresh {
		r.entries[e.Spec.Name] = e
		r.aliases[toolkit.NormalizeName(e.Spec.Name)] = e.Spec.Name
		names = append(names, e.Spec.Name)
	}
	r.byEngine[engine] = names
}

// Remove purges every entry owned by engine.
func (r *Router) Remove(engine string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(engine)
}

func (r *Router) removeLocked(engine string) {
	for _, name := range r.byEngine[engine] {
		delete(r.entries, name)
		alias := toolkit.NormalizeName(name)
		if r.aliases[alias] == name {
			delete(r.aliases, alias)
		}
	}
	delete(r.byEngine, engine)
}

// Tools returns a deep copy of every registered spec, sorted by name.
func (r *Router) Tools() []toolkit.Spec {
	r.mu.Lock()
	out := make([]toolkit.Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Spec.Clone())
	}
	r.mu.Unlock()
	toolkit.SortSpecs(out)
	return out
}

// EngineTools returns the qualified names currently owned by engine.
func (r *Router) EngineTools(engine string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byEngine[engine]...)
}

// Lookup resolves name exactly, falling back to its normalized form
// ("context/echo" and "context_echo" both find "context.echo").
func (r *Router) Lookup(name string) (Entry, error) {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return cloneEntry(e), nil
	}
	if canonical, ok := r.aliases[toolkit.NormalizeName(name)]; ok {
		if e, ok := r.entries[canonical]; ok {
			return cloneEntry(e), nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func cloneEntry(e Entry) Entry {
	e.Spec = e.Spec.Clone()
	return e
}
