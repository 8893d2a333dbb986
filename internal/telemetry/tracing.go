// Package telemetry sets up OpenTelemetry tracing for the coordinator.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Option customises the tracer provider.
type Option func(*options)

type options struct {
	version    string
	processors []sdktrace.SpanProcessor
}

// WithVersion records the service version on the resource.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSpanProcessor registers an extra span processor, such as an exporter
// batcher or an in-memory recorder in tests.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, p) }
}

// InitTracerProvider initializes the global trace provider and propagator.
// Spans are only exported when a processor is supplied; otherwise they still
// carry trace context into Pub/Sub attributes.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...Option) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if o.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(o.version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, p := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
