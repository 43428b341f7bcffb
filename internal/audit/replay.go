package audit

import (
	"sync"
	"time"
)

const DefaultReplaySize = 100

// ReplayEntry is one finished invocation kept for debugging.
type ReplayEntry struct {
	Time       time.Time      `json:"timestamp"`
	Service    string         `json:"service"`
	Tool       string         `json:"tool"`
	TraceID    string         `json:"trace_id"`
	Args       map[string]any `json:"args,omitempty"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// Replay is a fixed-size ring of the last N invocations.
type Replay struct {
	mu    sync.Mutex
	buf   []ReplayEntry
	next  int
	count int
}

func NewReplay(size int) *Replay {
	if size <= 0 {
		size = DefaultReplaySize
	}
	return &Replay{buf: make([]ReplayEntry, size)}
}

func (r *Replay) Add(e ReplayEntry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Last returns up to n entries, oldest first. n <= 0 returns all.
func (r *Replay) Last(n int) []ReplayEntry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]ReplayEntry, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *Replay) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
