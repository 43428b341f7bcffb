// Package metrics keeps tool-call counters and duration histograms keyed by
// (tool, service) and renders them in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DurationBuckets are the upper bounds, in seconds, of the duration
// histogram. The +Inf bucket is implicit.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type callKey struct {
	tool    string
	service string
}

type callStats struct {
	byStatus map[string]int64
	errors   int64
	buckets  []int64
	sum      float64
	count    int64
}

// Registry is the recorder the Trace interceptor writes to. Construct one
// per process and inject it; there is no package-level instance.
type Registry struct {
	mu    sync.Mutex
	calls map[callKey]*callStats

	wsConnections  atomic.Int64
	wsRejected     atomic.Int64
	tracingEnabled atomic.Int64

	sourceMu sync.RWMutex
	engines  func() map[string]int
}

func New() *Registry {
	return &Registry{calls: make(map[callKey]*callStats)}
}

// ObserveCall records one finished invocation.
func (r *Registry) ObserveCall(service, tool, status string, d time.Duration) {
	if r == nil {
		return
	}
	if status == "" {
		status = StatusOK
	}
	seconds := d.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	key := callKey{tool: tool, service: service}
	st, ok := r.calls[key]
	if !ok {
		st = &callStats{
			byStatus: make(map[string]int64),
			buckets:  make([]int64, len(DurationBuckets)),
		}
		r.calls[key] = st
	}
	st.byStatus[status]++
	if status != StatusOK {
		st.errors++
	}
	for i, le := range DurationBuckets {
		if seconds <= le {
			st.buckets[i]++
		}
	}
	st.sum += seconds
	st.count++
}

func (r *Registry) WSConnOpened() {
	if r != nil {
		r.wsConnections.Add(1)
	}
}

func (r *Registry) WSConnClosed() {
	if r != nil {
		r.wsConnections.Add(-1)
	}
}

func (r *Registry) WSConnRejected() {
	if r != nil {
		r.wsRejected.Add(1)
	}
}

func (r *Registry) SetTracingEnabled(enabled bool) {
	if r == nil {
		return
	}
	if enabled {
		r.tracingEnabled.Store(1)
		return
	}
	r.tracingEnabled.Store(0)
}

// SetEngineSource installs the callback that reports how many engines are
// in each status at scrape time.
func (r *Registry) SetEngineSource(fn func() map[string]int) {
	if r == nil {
		return
	}
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()
	r.engines = fn
}

// CallSnapshot is a copy of one (tool, service) series.
type CallSnapshot struct {
	Tool     string           `json:"tool"`
	Service  string           `json:"service"`
	ByStatus map[string]int64 `json:"by_status"`
	Errors   int64            `json:"errors"`
	Count    int64            `json:"count"`
	Sum      float64          `json:"duration_seconds_sum"`
	Buckets  []int64          `json:"-"`
}

// Calls returns all series ordered by service, then tool.
func (r *Registry) Calls() []CallSnapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]CallSnapshot, 0, len(r.calls))
	for key, st := range r.calls {
		byStatus := make(map[string]int64, len(st.byStatus))
		for k, v := range st.byStatus {
			byStatus[k] = v
		}
		out = append(out, CallSnapshot{
			Tool:     key.tool,
			Service:  key.service,
			ByStatus: byStatus,
			Errors:   st.errors,
			Count:    st.count,
			Sum:      st.sum,
			Buckets:  append([]int64(nil), st.buckets...),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

func (r *Registry) engineCounts() map[string]int {
	r.sourceMu.RLock()
	fn := r.engines
	r.sourceMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Handler serves the Prometheus text exposition.
func (r *Registry) Handler(version string, start time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WriteTo(w, version, start)
	})
}

// WriteTo renders every metric to w.
func (r *Registry) WriteTo(w io.Writer, version string, start time.Time) {
	_, _ = fmt.Fprintf(w, "# HELP toolhub_up Whether the toolhub process is up.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_up gauge\n")
	_, _ = fmt.Fprintf(w, "toolhub_up 1\n")
	_, _ = fmt.Fprintf(w, "# HELP toolhub_build_info Build information.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_build_info gauge\n")
	_, _ = fmt.Fprintf(w, "toolhub_build_info{version=%q} 1\n", version)
	_, _ = fmt.Fprintf(w, "# HELP toolhub_start_time_seconds Start time since unix epoch.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_start_time_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "toolhub_start_time_seconds %d\n", start.Unix())
	if r == nil {
		return
	}

	_, _ = fmt.Fprintf(w, "# HELP toolhub_tracing_enabled Whether tracing is enabled.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_tracing_enabled gauge\n")
	_, _ = fmt.Fprintf(w, "toolhub_tracing_enabled %d\n", r.tracingEnabled.Load())
	_, _ = fmt.Fprintf(w, "# HELP toolhub_ws_connections Open WebSocket connections.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_ws_connections gauge\n")
	_, _ = fmt.Fprintf(w, "toolhub_ws_connections %d\n", r.wsConnections.Load())
	_, _ = fmt.Fprintf(w, "# HELP toolhub_ws_rejected_total WebSocket connections rejected at the connection limit.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_ws_rejected_total counter\n")
	_, _ = fmt.Fprintf(w, "toolhub_ws_rejected_total %d\n", r.wsRejected.Load())

	if counts := r.engineCounts(); counts != nil {
		_, _ = fmt.Fprintf(w, "# HELP toolhub_engines Mounted engines by status.\n")
		_, _ = fmt.Fprintf(w, "# TYPE toolhub_engines gauge\n")
		for _, status := range sortedKeys(counts) {
			_, _ = fmt.Fprintf(w, "toolhub_engines{status=%q} %d\n", status, counts[status])
		}
	}

	calls := r.Calls()
	_, _ = fmt.Fprintf(w, "# HELP toolhub_tool_calls_total Tool invocations by outcome.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_tool_calls_total counter\n")
	for _, c := range calls {
		for _, status := range sortedKeys(c.ByStatus) {
			_, _ = fmt.Fprintf(w, "toolhub_tool_calls_total{tool=%q,service=%q,status=%q} %d\n", c.Tool, c.Service, status, c.ByStatus[status])
		}
	}
	_, _ = fmt.Fprintf(w, "# HELP toolhub_tool_errors_total Tool invocations that failed.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_tool_errors_total counter\n")
	for _, c := range calls {
		_, _ = fmt.Fprintf(w, "toolhub_tool_errors_total{tool=%q,service=%q} %d\n", c.Tool, c.Service, c.Errors)
	}
	_, _ = fmt.Fprintf(w, "# HELP toolhub_tool_duration_seconds Tool invocation latency.\n")
	_, _ = fmt.Fprintf(w, "# TYPE toolhub_tool_duration_seconds histogram\n")
	for _, c := range calls {
		writeHistogram(w, "toolhub_tool_duration_seconds", fmt.Sprintf("tool=%q,service=%q", c.Tool, c.Service), c)
	}
}

func writeHistogram(w io.Writer, name, labels string, c CallSnapshot) {
	for i, le := range DurationBuckets {
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=%q} %d\n", name, labels, prometheusLe(le), c.Buckets[i])
	}
	_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=%q} %d\n", name, labels, prometheusLe(math.Inf(1)), c.Count)
	_, _ = fmt.Fprintf(w, "%s_sum{%s} %.9f\n", name, labels, c.Sum)
	_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, c.Count)
}

func prometheusLe(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
