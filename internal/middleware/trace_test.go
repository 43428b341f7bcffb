package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/metrics"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

type memorySink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memorySink) Write(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) phases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Tool+":"+e.Phase)
	}
	return out
}

type fixture struct {
	reg     *toolkit.Registrar
	sink    *memorySink
	replay  *audit.Replay
	metrics *metrics.Registry
	logs    *bytes.Buffer
	spans   *tracetest.SpanRecorder
	ran     map[string]int
}

func newFixture(t *testing.T, policy SandboxPolicy) *fixture {
	t.Helper()
	f := &fixture{
		sink:    &memorySink{},
		replay:  audit.NewReplay(10),
		metrics: metrics.New(),
		logs:    &bytes.Buffer{},
		spans:   tracetest.NewSpanRecorder(),
		ran:     map[string]int{},
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	n := 0
	opts := TraceOptions{
		Logger:  slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics: f.metrics,
		Audit:   f.sink,
		Replay:  f.replay,
		Policy:  policy,
		Tracer:  tp.Tracer("test"),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}
	reg, err := toolkit.NewBuilder("ctx").
		Use(Chain(opts)...).
		Tool("echo", "").
		Param("msg", "string", "", true).
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			f.ran["echo"]++
			return map[string]any{"msg": args["msg"], "trace": toolkit.TraceIDFromContext(ctx)}, nil
		}).
		Tool("outer", "").
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			return call.Invoke(ctx, "echo", map[string]any{"msg": "nested"})
		}).
		Tool("fail", "").
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		}).
		Tool("shell", "").
		RequiresSystem().
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			f.ran["shell"]++
			return "ran", nil
		}).
		Build()
	require.NoError(t, err)
	f.reg = reg
	return f
}

func TestTraceAssignsAndPropagatesTraceID(t *testing.T) {
	f := newFixture(t, SandboxPolicy{})
	out, err := f.reg.Call(context.Background(), "outer", nil, toolkit.CallMeta{})
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, "nested", res["msg"])
	traceID := res["trace"].(string)
	require.NotEmpty(t, traceID)

	f.sink.mu.Lock()
	for _, e := range f.sink.entries {
		assert.Equal(t, traceID, e.TraceID, e.Tool)
	}
	f.sink.mu.Unlock()
	assert.Equal(t, []string{"outer:start", "echo:start", "echo:success", "outer:success"}, f.sink.phases())
	assert.Len(t, f.spans.Ended(), 2)
}

func TestTraceKeepsIncomingTraceID(t *testing.T) {
	f := newFixture(t, SandboxPolicy{})
	out, err := f.reg.Call(context.Background(), "echo", map[string]any{"msg": "x"}, toolkit.CallMeta{TraceID: "upstream"})
	require.NoError(t, err)
	assert.Equal(t, "upstream", out.(map[string]any)["trace"])
}

func TestTraceSandboxFailsClosed(t *testing.T) {
	f := newFixture(t, SandboxPolicy{AllowSystem: false})
	_, err := f.reg.Call(context.Background(), "shell", nil, toolkit.CallMeta{})
	require.ErrorIs(t, err, ErrSandboxViolation)
	assert.Equal(t, 0, f.ran["shell"])
	assert.Equal(t, []string{"shell:error"}, f.sink.phases())
	assert.Contains(t, f.logs.String(), "tool_call_denied")

	calls := f.metrics.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), calls[0].ByStatus["denied"])
	assert.Equal(t, int64(1), calls[0].Errors)

	allowed := newFixture(t, SandboxPolicy{AllowSystem: true})
	out, err := allowed.reg.Call(context.Background(), "shell", nil, toolkit.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "ran", out)
}

func TestTraceRecordsErrors(t *testing.T) {
	f := newFixture(t, SandboxPolicy{})
	_, err := f.reg.Call(context.Background(), "fail", nil, toolkit.CallMeta{})
	require.EqualError(t, err, "disk on fire")

	logs := f.logs.String()
	assert.Contains(t, logs, "tool_call_start")
	assert.Contains(t, logs, "tool_call_error")
	assert.Contains(t, logs, `"error_type":"*errors.errorString"`)

	replay := f.replay.Last(0)
	require.Len(t, replay, 1)
	assert.Equal(t, "error", replay[0].Status)
	assert.Equal(t, "disk on fire", replay[0].Error)

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool fail", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestTraceMetricsAndReplayOnSuccess(t *testing.T) {
	f := newFixture(t, SandboxPolicy{})
	for i := 0; i < 3; i++ {
		_, err := f.reg.Call(context.Background(), "echo", map[string]any{"msg": i}, toolkit.CallMeta{})
		require.NoError(t, err)
	}
	calls := f.metrics.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Tool)
	assert.Equal(t, "ctx", calls[0].Service)
	assert.Equal(t, int64(3), calls[0].ByStatus["ok"])

	replay := f.replay.Last(0)
	require.Len(t, replay, 3)
	// Validation coerced the numeric msg to a string before the handler.
	assert.Equal(t, "ok", replay[2].Status)
	assert.Contains(t, f.logs.String(), "tool_call_end")
}
