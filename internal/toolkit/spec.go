package toolkit

import (
	"sort"
	"strings"
)

// Spec describes one invocable tool as it appears in tools/list.
type Spec struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`

	// RequiresSystem marks tools that reach outside the process sandbox
	// (filesystem writes, subprocesses, network).
	RequiresSystem bool `json:"requiresSystem,omitempty"`
}

// ServerInfo is what a service reports about itself during initialize.
type ServerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Clone returns a deep copy so callers never alias a live registry.
func (s Spec) Clone() Spec {
	out := s
	out.InputSchema = cloneMap(s.InputSchema)
	out.OutputSchema = cloneMap(s.OutputSchema)
	if out.InputSchema == nil {
		out.InputSchema = map[string]any{"type": "object"}
	}
	return out
}

// CloneSpecs deep-copies a slice of specs.
func CloneSpecs(in []Spec) []Spec {
	if in == nil {
		return nil
	}
	out := make([]Spec, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// SortSpecs orders specs by name.
func SortSpecs(specs []Spec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// NormalizeName collapses the legacy separators ("." and "/") into "_" so
// "context.echo", "context/echo" and "context_echo" compare equal.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "/")
	var b strings.Builder
	b.Grow(len(name))
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '/' || c == '_' {
			if lastSep {
				continue
			}
			b.WriteByte('_')
			lastSep = true
			continue
		}
		b.WriteByte(c)
		lastSep = false
	}
	return b.String()
}

// Qualify prefixes name with "<namespace>." unless it already carries it.
func Qualify(namespace, name string) string {
	if namespace == "" || strings.HasPrefix(name, namespace+".") {
		return name
	}
	return namespace + "." + name
}
