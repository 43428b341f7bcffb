package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCall(t *testing.T) {
	r := New()
	r.ObserveCall("hub", "context.echo", StatusOK, 3*time.Millisecond)
	r.ObserveCall("hub", "context.echo", StatusError, 2*time.Second)
	r.ObserveCall("hub", "context.echo", "", time.Millisecond)

	calls := r.Calls()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, int64(3), c.Count)
	assert.Equal(t, int64(1), c.Errors)
	assert.Equal(t, map[string]int64{"ok": 2, "error": 1}, c.ByStatus)
	// 0.005 bucket holds the two fast calls, 2.5 holds all three.
	assert.Equal(t, int64(2), c.Buckets[0])
	assert.Equal(t, int64(3), c.Buckets[8])
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.ObserveCall("hub", "git.log", StatusOK, 10*time.Millisecond)
	r.WSConnOpened()
	r.WSConnOpened()
	r.WSConnClosed()
	r.SetEngineSource(func() map[string]int { return map[string]int{"online": 2, "offline": 1} })

	rec := httptest.NewRecorder()
	r.Handler("1.2.3", time.Unix(100, 0)).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`toolhub_build_info{version="1.2.3"} 1`,
		`toolhub_start_time_seconds 100`,
		`toolhub_ws_connections 1`,
		`toolhub_engines{status="offline"} 1`,
		`toolhub_engines{status="online"} 2`,
		`toolhub_tool_calls_total{tool="git.log",service="hub",status="ok"} 1`,
		`toolhub_tool_errors_total{tool="git.log",service="hub"} 0`,
		`toolhub_tool_duration_seconds_bucket{tool="git.log",service="hub",le="0.01"} 1`,
		`toolhub_tool_duration_seconds_bucket{tool="git.log",service="hub",le="+Inf"} 1`,
		`toolhub_tool_duration_seconds_count{tool="git.log",service="hub"} 1`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q in:\n%s", want, text)
	}
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.ObserveCall("s", "t", StatusOK, time.Second)
	r.WSConnOpened()
	assert.Nil(t, r.Calls())
}
