// Package tracing wires OpenTelemetry for the event bus.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EnabledEnv must be "true" (any case) to turn tracing on.
const EnabledEnv = "USERSYNC_OTEL_ENABLED"

// SampleRatioEnv sets the fraction of new traces that are sampled. Traces
// started upstream follow the parent's decision.
const SampleRatioEnv = "USERSYNC_OTEL_SAMPLE_RATIO"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	ServiceName string
	Version     string
}

// GetConfig reads tracing configuration from the environment.
// OTEL_EXPORTER_OTLP_ENDPOINT defaults to "localhost:4317"; the exporter
// is plaintext unless OTEL_EXPORTER_OTLP_INSECURE is "false".
func GetConfig(serviceName string) Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ratio := 1.0
	if v, err := strconv.ParseFloat(os.Getenv(SampleRatioEnv), 64); err == nil && v >= 0 && v <= 1 {
		ratio = v
	}
	return Config{
		Enabled:     strings.EqualFold(os.Getenv(EnabledEnv), "true"),
		Endpoint:    endpoint,
		Insecure:    !strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "false"),
		SampleRatio: ratio,
		ServiceName: serviceName,
		Version:     os.Getenv("USERSYNC_VERSION"),
	}
}

// Initialize sets up the tracer provider and the W3C propagator.
// When disabled it returns a no-op tracer, but the propagator is still
// installed so inbound trace headers survive a hop through this process.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter %s: %w", cfg.Endpoint, err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "sample_ratio", cfg.SampleRatio)

	return tp.Tracer(cfg.ServiceName), func(ctx context.Context) error {
		logger.Info("flushing traces")
		return tp.Shutdown(ctx)
	}, nil
}

func serviceResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
