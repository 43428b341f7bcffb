// Package audit records tool invocations. Sinks are append-only; Replay
// keeps the most recent entries in memory for debugging.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	PhaseStart   = "start"
	PhaseSuccess = "success"
	PhaseError   = "error"
)

// Entry is one audit record. A call produces a start record followed by
// either a success or an error record with the same trace id.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	Service    string    `json:"service"`
	Tool       string    `json:"tool"`
	TraceID    string    `json:"trace_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Depth      int       `json:"depth"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	InputHash  string    `json:"input_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink persists entries. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

type nopSink struct{}

func (nopSink) Write(context.Context, Entry) error { return nil }
func (nopSink) Close() error                       { return nil }

// Nop discards every entry.
func Nop() Sink { return nopSink{} }

// InputHash fingerprints tool arguments without storing them.
func InputHash(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Options selects and configures a sink.
type Options struct {
	// Sink is one of jsonl, sqlite, postgres, redis or none.
	Sink      string
	Path      string
	DSN       string
	RedisAddr string
	Stream    string
	MaxLen    int64
}

// Open builds the sink named by opts.Sink.
func Open(ctx context.Context, opts Options) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Sink)) {
	case "", "none":
		return Nop(), nil
	case "jsonl":
		return OpenFile(opts.Path)
	case "sqlite":
		return NewSQLiteSink(opts.Path)
	case "postgres":
		return NewPostgresSink(ctx, opts.DSN)
	case "redis":
		return NewRedisSink(ctx, opts.RedisAddr, opts.Stream, opts.MaxLen)
	default:
		return nil, fmt.Errorf("unknown audit sink %q", opts.Sink)
	}
}

var errClosed = errors.New("audit sink closed")
