// Package tracing provides OpenTelemetry tracing with a no-op fallback
// when tracing is disabled.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config contains configuration for the tracer.
type Config struct {
	// Enabled indicates whether spans are exported.
	Enabled bool

	// ServiceName identifies this worker in traces.
	ServiceName string

	// ServiceVersion is the version reported with spans.
	ServiceVersion string

	// Environment is the deployment environment attribute.
	Environment string

	// OTLPEndpoint is the gRPC endpoint spans are exported to.
	OTLPEndpoint string

	// SampleRate is the trace sampling ratio (0.0 - 1.0).
	SampleRate float64
}

var (
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("")
	provider *sdktrace.TracerProvider
)

// Init sets up the global tracer. With tracing disabled the package keeps
// its no-op tracer and Init is a successful no-op.
func Init(config Config) error {
	if !config.Enabled {
		return nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "widget-consumer"
	}
	if config.OTLPEndpoint == "" {
		config.OTLPEndpoint = "localhost:4317"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = provider.Tracer(config.ServiceName)
	logrus.Info("OpenTelemetry tracer initialized")
	return nil
}

// Start starts a new span on the configured tracer.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanName, opts...)
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
