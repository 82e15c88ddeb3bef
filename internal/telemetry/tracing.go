package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingOptions configures the OTLP trace pipeline.
type TracingOptions struct {
	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string
	// SampleRate in [0, 1]. At or above 1 every trace is kept; at or
	// below 0 none are.
	SampleRate float64
	// ServiceVersion tags every span with the build version when set.
	ServiceVersion string
}

// SetupTracing installs a global tracer provider exporting over OTLP gRPC.
// The returned function flushes and stops the provider; call it on shutdown.
func SetupTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String("heimdall")}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(opts.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartUpstreamSpan opens a client span around an upstream invocation. With
// no provider installed the returned span is a no-op.
func StartUpstreamSpan(ctx context.Context, api, protocol string) (context.Context, trace.Span) {
	return otel.Tracer("heimdall/upstream").Start(ctx, "upstream.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.api", api),
			attribute.String("gateway.protocol", protocol),
		))
}
