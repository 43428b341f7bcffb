package hub

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/middleware"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	}
	opts.StopGrace = 500 * time.Millisecond
	h := New(opts)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestMountRoutesNamespacedTools(t *testing.T) {
	h := newTestHub(t, Options{Name: "hub-test"})
	ctx := context.Background()
	require.NoError(t, h.Mount(ctx, stubSpec(t, "alpha", "echo")))
	require.NoError(t, h.Mount(ctx, stubSpec(t, "beta", "echo")))

	var names []string
	for _, spec := range h.Tools() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"alpha.echo", "alpha.whoami", "beta.echo", "beta.whoami"}, names)

	out, err := h.Call(ctx, "beta.whoami", nil, toolkit.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "beta", out.(map[string]any)["engine"])
	assert.Equal(t, "whoami", out.(map[string]any)["tool"])

	out, err = h.Call(ctx, "alpha/echo", map[string]any{"msg": "hi"}, toolkit.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, out.(map[string]any)["args"])
}

func TestSpecsIncludeBuiltins(t *testing.T) {
	h := newTestHub(t, Options{})
	require.NoError(t, h.Mount(context.Background(), stubSpec(t, "alpha", "echo")))

	var names []string
	for _, spec := range h.Specs() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"alpha.echo", "alpha.whoami", "hub.engines", "hub.replay", "hub.restart"}, names)
}

func TestUnknownTool(t *testing.T) {
	h := newTestHub(t, Options{})
	_, err := h.Call(context.Background(), "nope.tool", nil, toolkit.CallMeta{})
	require.ErrorIs(t, err, toolkit.ErrToolNotFound)
}

func TestMountDuplicate(t *testing.T) {
	h := newTestHub(t, Options{})
	require.NoError(t, h.Mount(context.Background(), stubSpec(t, "alpha", "echo")))
	err := h.Mount(context.Background(), stubSpec(t, "alpha", "echo"))
	require.ErrorIs(t, err, ErrEngineExists)
}

func TestMountFailureKeepsEngineOffline(t *testing.T) {
	h := newTestHub(t, Options{})
	err := h.Mount(context.Background(), EngineSpec{Name: "ghost", Command: "/nonexistent/toolhub-engine"})
	require.Error(t, err)

	engines := h.Engines()
	require.Len(t, engines, 1)
	assert.Equal(t, "ghost", engines[0].Name)
	assert.Equal(t, engine.StatusOffline, engines[0].Status)
	assert.Equal(t, 1, h.StatusCounts()["offline"])
}

func TestCrashRemovesRoutes(t *testing.T) {
	h := newTestHub(t, Options{})
	offline := make(chan struct{}, 1)
	h.OnStatus(func(ev engine.StatusEvent) {
		if ev.Engine == "flaky" && ev.To == engine.StatusOffline {
			select {
			case offline <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, h.Mount(context.Background(), stubSpec(t, "flaky", "crash")))
	require.Len(t, h.Tools(), 2)

	_, err := h.Call(context.Background(), "flaky.echo", nil, toolkit.CallMeta{})
	require.Error(t, err)

	select {
	case <-offline:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not go offline")
	}
	assert.Empty(t, h.Tools())
	_, err = h.Call(context.Background(), "flaky.echo", nil, toolkit.CallMeta{})
	require.ErrorIs(t, err, toolkit.ErrToolNotFound)
}

func TestUnmount(t *testing.T) {
	h := newTestHub(t, Options{})
	require.NoError(t, h.Mount(context.Background(), stubSpec(t, "alpha", "echo")))
	require.NoError(t, h.Unmount("alpha"))
	assert.Empty(t, h.Tools())
	assert.Empty(t, h.Engines())
	require.ErrorIs(t, h.Unmount("alpha"), ErrUnknownEngine)
}

func TestReconcile(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.Reconcile(ctx, []EngineSpec{stubSpec(t, "alpha", "echo"), stubSpec(t, "beta", "echo")}))
	require.Len(t, h.Engines(), 2)
	pidBefore := h.Engines()[0].PID

	changed := stubSpec(t, "beta", "echo")
	changed.Timeout = 5 * time.Second
	require.NoError(t, h.Reconcile(ctx, []EngineSpec{stubSpec(t, "alpha", "echo"), changed}))
	engines := h.Engines()
	require.Len(t, engines, 2)
	assert.Equal(t, pidBefore, engines[0].PID, "unchanged engine keeps running")

	require.NoError(t, h.Reconcile(ctx, []EngineSpec{changed}))
	engines = h.Engines()
	require.Len(t, engines, 1)
	assert.Equal(t, "beta", engines[0].Name)
	for _, spec := range h.Tools() {
		assert.Contains(t, spec.Name, "beta.")
	}
}

func TestBuiltinEnginesAndRestart(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.Mount(ctx, stubSpec(t, "alpha", "echo")))
	pid := h.Engines()[0].PID

	out, err := h.Call(ctx, "hub.engines", nil, toolkit.CallMeta{})
	require.NoError(t, err)
	list := out.(map[string]any)["engines"].([]map[string]any)
	require.Len(t, list, 1)
	assert.Equal(t, "online", list[0]["status"])
	assert.Equal(t, []string{"alpha.echo", "alpha.whoami"}, list[0]["tools"])

	out, err = h.Call(ctx, "hub/restart", map[string]any{"engine": "alpha"}, toolkit.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "online", out.(map[string]any)["status"])
	assert.NotEqual(t, pid, h.Engines()[0].PID)

	_, err = h.Call(ctx, "hub.restart", map[string]any{"engine": "missing"}, toolkit.CallMeta{})
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestMiddlewaresWrapEngineCalls(t *testing.T) {
	replay := audit.NewReplay(10)
	h := newTestHub(t, Options{
		Replay: replay,
		Middlewares: middleware.Chain(middleware.TraceOptions{
			Replay: replay,
			Policy: middleware.SandboxPolicy{AllowSystem: false},
		}),
	})
	ctx := context.Background()
	require.NoError(t, h.Mount(ctx, stubSpec(t, "alpha", "echo")))

	_, err := h.Call(ctx, "alpha.echo", map[string]any{"msg": "hi"}, toolkit.CallMeta{})
	require.NoError(t, err)

	_, err = h.Call(ctx, "alpha.echo", map[string]any{"msg": map[string]any{"nested": true}}, toolkit.CallMeta{})
	require.ErrorIs(t, err, middleware.ErrValidation)

	_, err = h.Call(ctx, "hub.restart", map[string]any{"engine": "alpha"}, toolkit.CallMeta{})
	require.ErrorIs(t, err, middleware.ErrSandboxViolation)

	out, err := h.Call(ctx, "hub.replay", map[string]any{"limit": 2}, toolkit.CallMeta{})
	require.NoError(t, err)
	calls := out.(map[string]any)["calls"].([]audit.ReplayEntry)
	require.Len(t, calls, 2)
	assert.Equal(t, "alpha.echo", calls[0].Tool)
	assert.Equal(t, "hub.restart", calls[1].Tool)
}

func TestViewScopesToOneEngine(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.Mount(ctx, stubSpec(t, "alpha", "echo")))
	require.NoError(t, h.Mount(ctx, stubSpec(t, "beta", "echo")))

	v, err := h.View("beta")
	require.NoError(t, err)
	assert.Equal(t, "stub", v.Info().Name)

	var names []string
	for _, spec := range v.Specs() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"beta.echo", "beta.whoami"}, names)

	for _, name := range []string{"whoami", "beta.whoami", "beta/whoami", "beta_whoami"} {
		out, err := v.Call(ctx, name, nil, toolkit.CallMeta{})
		require.NoError(t, err, name)
		assert.Equal(t, "beta", out.(map[string]any)["engine"], name)
	}

	_, err = h.View("gamma")
	require.ErrorIs(t, err, ErrUnknownEngine)
}
