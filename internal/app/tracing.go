package app

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nuetzliches/toolhub/internal/config"
)

// initTracing installs the OTLP/HTTP tracer provider and the W3C
// propagators. The returned func flushes and shuts the provider down.
func initTracing(ctx context.Context, cfg config.TracingConfig, onError func(error)) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, tracingExporterOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("toolhub"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	installPropagators()
	return tp.Shutdown, nil
}

// installPropagators is also used without an exporter so `_meta` carriers
// are still propagated to engines.
func installPropagators() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func tracingExporterOptions(cfg config.TracingConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 2)
	collector := strings.TrimSpace(cfg.Collector)
	switch {
	case strings.HasPrefix(collector, "http://"), strings.HasPrefix(collector, "https://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(collector))
	case collector != "":
		opts = append(opts, otlptracehttp.WithEndpoint(collector))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}
