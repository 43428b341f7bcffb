package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "toolhub:audit"
	defaultMaxLen = 10000
)

// RedisSink appends entries to a capped Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisSink(ctx context.Context, addr, stream string, maxLen int64) (*RedisSink, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty redis address")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisSink(client, stream, maxLen), nil
}

func newRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if strings.TrimSpace(stream) == "" {
		stream = defaultStream
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: redisValues(e),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func redisValues(e Entry) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"timestamp":   e.Time.UTC().Format(time.RFC3339Nano),
		"phase":       e.Phase,
		"service":     e.Service,
		"tool":        e.Tool,
		"trace_id":    e.TraceID,
		"request_id":  e.RequestID,
		"depth":       strconv.Itoa(e.Depth),
		"duration_ms": strconv.FormatInt(e.DurationMS, 10),
		"input_hash":  e.InputHash,
		"error":       e.Error,
	}
}
