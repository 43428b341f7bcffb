package hub

import (
	"context"
	"fmt"
	"strings"

	"github.com/nuetzliches/toolhub/internal/toolkit"
)

// View exposes a single mounted engine through the hub chain, for
// transports that serve one service per endpoint.
type View struct {
	h      *Hub
	engine string
}

// View returns the per-engine view of name.
func (h *Hub) View(name string) (*View, error) {
	if _, ok := h.lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	return &View{h: h, engine: name}, nil
}

func (v *View) Info() toolkit.ServerInfo {
	info := toolkit.ServerInfo{Name: v.engine}
	if m, ok := v.h.lookup(v.engine); ok {
		reported := m.proc.Info()
		if reported.Name != "" {
			info.Name = reported.Name
		}
		info.Version = reported.Version
		info.Description = reported.Instructions
	}
	return info
}

func (v *View) Specs() []toolkit.Spec {
	owned := make(map[string]bool)
	for _, name := range v.h.router.EngineTools(v.engine) {
		owned[name] = true
	}
	var out []toolkit.Spec
	for _, spec := range v.h.router.Tools() {
		if owned[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

// Call accepts bare names and names already qualified with the engine in
// any separator form (beta.echo, beta/echo, beta_echo).
func (v *View) Call(ctx context.Context, name string, args map[string]any, meta toolkit.CallMeta) (any, error) {
	if meta.Service == "" {
		meta.Service = v.engine
	}
	return v.h.Call(ctx, v.qualify(name), args, meta)
}

func (v *View) qualify(name string) string {
	if strings.HasPrefix(toolkit.NormalizeName(name), toolkit.NormalizeName(v.engine)+"_") {
		return name
	}
	return toolkit.Qualify(v.engine, strings.TrimSpace(name))
}
