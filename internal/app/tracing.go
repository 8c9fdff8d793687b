package app

import (
	"context"
	"net/http"

	"github.com/nuetzliches/reliq/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func tracingExporterOptions(obs config.ObservabilityConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 6)
	if obs.TracingCollector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(obs.TracingCollector))
	}
	if obs.TracingURLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(obs.TracingURLPath))
	}
	switch obs.TracingCompression {
	case "gzip":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}
	if obs.TracingTimeoutSet {
		opts = append(opts, otlptracehttp.WithTimeout(obs.TracingTimeout))
	}
	if len(obs.TracingHeaders) > 0 {
		h := make(map[string]string, len(obs.TracingHeaders))
		for _, header := range obs.TracingHeaders {
			h[header.Name] = header.Value
		}
		opts = append(opts, otlptracehttp.WithHeaders(h))
	}
	if obs.TracingInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// initTracing installs a global OTLP/HTTP tracer provider. The returned
// provider is also handed to the DLQ service.
func initTracing(ctx context.Context, obs config.ObservabilityConfig, onError func(error)) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx, tracingExporterOptions(obs)...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("reliq"),
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
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			onError(err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}
