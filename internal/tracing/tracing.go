// Package tracing sets up OpenTelemetry spans exported over OTLP/HTTP.
package tracing

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "vmdisas"

// Tracer returns the tracer for a component. Until Init is called the
// global provider is a no-op.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(ServiceName + "/" + name)
}

// Init installs a batching tracer provider that exports to endpoint.
// An empty endpoint leaves tracing disabled. The returned function
// flushes and stops the provider.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	headers := map[string]string{
		"content-type": "application/json",
	}
	exporter, err := otlptrace.New(
		ctx,
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithInsecure(),
		),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(ServiceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Selector returns span attributes for a sel:ptr request.
func Selector(sel uint16, ptr uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("vmdisas.sel", int(sel)),
		attribute.String("vmdisas.ptr", "0x"+strconv.FormatUint(ptr, 16)),
	}
}

// Hyper marks a span whose code runs in the hypervisor context.
func Hyper(hyper bool) attribute.KeyValue {
	return attribute.Bool("vmdisas.hyper", hyper)
}
