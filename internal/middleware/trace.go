// Package middleware holds the interceptors every tool call runs through.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/metrics"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

// ErrSandboxViolation is returned when a tool that needs system access is
// called while the sandbox policy forbids it.
var ErrSandboxViolation = errors.New("sandbox violation")

const (
	statusDenied = "denied"
	tracerName   = "github.com/nuetzliches/toolhub/internal/middleware"
)

// SandboxPolicy decides whether tools flagged RequiresSystem may run.
type SandboxPolicy struct {
	AllowSystem bool
}

type TraceOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	// Audit receives start, success and error records. Nil disables
	// auditing.
	Audit  audit.Sink
	Replay *audit.Replay
	Policy SandboxPolicy
	Tracer trace.Tracer
	// NewID generates trace ids and audit entry ids.
	NewID func() string
	Now   func() time.Time
}

// Trace assigns the trace id, enforces the sandbox policy and records
// logs, metrics, audit entries, replay entries and a span for every call.
func Trace(opts TraceOptions) toolkit.Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	t := &tracing{
		logger:  logger,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		replay:  opts.Replay,
		newID:   newID,
		now:     now,
	}

	return func(ctx context.Context, call *toolkit.Call, name string, args map[string]any, next toolkit.Next) (any, error) {
		traceID := call.AssignTraceID(newID())
		ctx = toolkit.ContextWithTraceID(ctx, traceID)
		log := logger.With(
			slog.String("service", call.Service),
			slog.String("tool", name),
			slog.String("trace_id", traceID),
			slog.String("request_id", call.RequestID),
		)
		started := now()

		ctx, span := tracer.Start(ctx, "tool "+name, trace.WithAttributes(
			attribute.String("toolhub.tool", name),
			attribute.String("toolhub.service", call.Service),
			attribute.String("toolhub.trace_id", traceID),
			attribute.Int("toolhub.depth", call.Depth),
		))
		defer span.End()

		if call.Spec.RequiresSystem && !opts.Policy.AllowSystem {
			err := fmt.Errorf("%w: tool %s requires system access", ErrSandboxViolation, name)
			log.Error("tool_call_denied", slog.String("err", err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "sandbox violation")
			t.finish(ctx, call, name, traceID, args, started, statusDenied, err)
			return nil, err
		}

		log.Info("tool_call_start", slog.Int("depth", call.Depth))
		t.record(ctx, call, name, traceID, audit.Entry{
			Phase:     audit.PhaseStart,
			InputHash: audit.InputHash(args),
		})

		out, err := next(ctx, call, name, args)
		elapsed := now().Sub(started)
		if err != nil {
			log.Error("tool_call_error",
				slog.String("error_type", fmt.Sprintf("%T", err)),
				slog.String("err", err.Error()),
				slog.Duration("duration", elapsed),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.finish(ctx, call, name, traceID, args, started, metrics.StatusError, err)
			return nil, err
		}

		log.Info("tool_call_end", slog.Duration("duration", elapsed))
		span.SetStatus(codes.Ok, "")
		t.finish(ctx, call, name, traceID, args, started, metrics.StatusOK, nil)
		return out, nil
	}
}

type tracing struct {
	logger  *slog.Logger
	metrics *metrics.Registry
	audit   audit.Sink
	replay  *audit.Replay
	newID   func() string
	now     func() time.Time
}

func (t *tracing) finish(ctx context.Context, call *toolkit.Call, name, traceID string, args map[string]any, started time.Time, status string, err error) {
	elapsed := t.now().Sub(started)
	t.metrics.ObserveCall(call.Service, name, status, elapsed)

	entry := audit.Entry{
		Phase:      audit.PhaseSuccess,
		DurationMS: elapsed.Milliseconds(),
		InputHash:  audit.InputHash(args),
	}
	replay := audit.ReplayEntry{
		Time:       started.UTC(),
		Service:    call.Service,
		Tool:       name,
		TraceID:    traceID,
		Args:       copyArgs(args),
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Phase = audit.PhaseError
		entry.Error = err.Error()
		replay.Error = err.Error()
	}
	t.record(ctx, call, name, traceID, entry)
	t.replay.Add(replay)
}

func (t *tracing) record(ctx context.Context, call *toolkit.Call, name, traceID string, e audit.Entry) {
	if t.audit == nil {
		return
	}
	e.ID = t.newID()
	e.Time = t.now().UTC()
	e.Service = call.Service
	e.Tool = name
	e.TraceID = traceID
	e.RequestID = call.RequestID
	e.Depth = call.Depth
	if err := t.audit.Write(context.WithoutCancel(ctx), e); err != nil {
		t.logger.Warn("audit_write_failed", slog.String("tool", name), slog.Any("err", err))
	}
}

func copyArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
