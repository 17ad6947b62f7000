// Package telemetry sets up OpenTelemetry tracing. Cycles, checks and
// notifications open spans through the global tracer provider; the Pub/Sub
// publisher propagates the active span into message attributes.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans recorded. Values outside (0, 1) sample everything.
	SampleRatio float64
}

// InitTracerProvider builds a tracer provider, installs it globally with the
// W3C trace-context propagator, and returns it so the caller can Shutdown.
// Span processors or exporters are passed through opts.
func InitTracerProvider(
	ctx context.Context,
	o Options,
	opts ...sdktrace.TracerProviderOption,
) (*sdktrace.TracerProvider, error) {
	if o.ServiceName == "" {
		o.ServiceName = "practicewatch"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(o.ServiceName),
			semconv.ServiceVersion(o.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if o.SampleRatio > 0 && o.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(o.SampleRatio)
	}
	all := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}, opts...)

	tp := sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp, nil
}
