package middleware

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nuetzliches/toolhub/internal/toolkit"
)

// Logging emits debug-level argument and result summaries. Values are
// never logged, only argument names and the result type.
func Logging(logger *slog.Logger) toolkit.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, call *toolkit.Call, name string, args map[string]any, next toolkit.Next) (any, error) {
		if !logger.Enabled(ctx, slog.LevelDebug) {
			return next(ctx, call, name, args)
		}
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		logger.Debug("tool_call_args",
			slog.String("tool", name),
			slog.String("trace_id", call.TraceID()),
			slog.Any("arg_names", keys),
		)
		out, err := next(ctx, call, name, args)
		if err == nil {
			logger.Debug("tool_call_result", slog.String("tool", name), slog.String("result_type", resultType(out)))
		}
		return out, err
	}
}

func resultType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	}
	return "other"
}

// Chain is the default interceptor order: trace outermost, then logging,
// then validation next to the handler.
func Chain(trace TraceOptions) []toolkit.Middleware {
	return []toolkit.Middleware{
		Trace(trace),
		Logging(trace.Logger),
		Validation(),
	}
}
