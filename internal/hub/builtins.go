package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

const builtinNamespace = "hub"

func isBuiltinName(name string) bool {
	return strings.HasPrefix(toolkit.NormalizeName(name), builtinNamespace+"_")
}

func (h *Hub) builtinTools() *toolkit.Table {
	table, err := toolkit.NewTable(builtinNamespace,
		toolkit.Tool{
			Spec: toolkit.Spec{
				Name:        "hub.engines",
				Description: "List mounted engines with their status and tool counts.",
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Handler: h.toolEngines,
		},
		toolkit.Tool{
			Spec: toolkit.Spec{
				Name:        "hub.restart",
				Description: "Restart one engine process.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"engine": map[string]any{"type": "string", "description": "engine name"},
					},
					"required": []any{"engine"},
				},
				RequiresSystem: true,
			},
			Handler: h.toolRestart,
		},
		toolkit.Tool{
			Spec: toolkit.Spec{
				Name:        "hub.replay",
				Description: "Return the most recent tool invocations, oldest first.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"limit": map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
			Handler: h.toolReplay,
		},
	)
	if err != nil {
		panic(fmt.Sprintf("hub builtins: %v", err))
	}
	return table
}

func (h *Hub) toolEngines(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	engines := h.Engines()
	out := make([]map[string]any, 0, len(engines))
	for _, snap := range engines {
		out = append(out, map[string]any{
			"name":       snap.Name,
			"status":     string(snap.Status),
			"pid":        snap.PID,
			"tool_count": snap.ToolCount,
			"pending":    snap.Pending,
			"last_error": snap.LastError,
			"tools":      h.router.EngineTools(snap.Name),
		})
	}
	return map[string]any{"engines": out}, nil
}

func (h *Hub) toolRestart(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	name, _ := args["engine"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("engine is required")
	}
	if err := h.Restart(ctx, name); err != nil {
		return nil, err
	}
	m, _ := h.lookup(name)
	if m == nil {
		return map[string]any{"engine": name}, nil
	}
	snap := m.proc.Snapshot()
	return map[string]any{"engine": name, "status": string(snap.Status), "tool_count": snap.ToolCount}, nil
}

func (h *Hub) toolReplay(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	limit := 0
	switch v := args["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	case int64:
		limit = int(v)
	}
	calls := h.opts.Replay.Last(limit)
	if calls == nil {
		calls = []audit.ReplayEntry{}
	}
	return map[string]any{"calls": calls}, nil
}
