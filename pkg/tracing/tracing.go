// Package tracing configures OpenTelemetry trace export for imagectl.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used across imagectl.
const InstrumentationName = "github.com/gridctl/imagectl"

// Config controls trace export.
type Config struct {
	Endpoint    string // OTLP/HTTP endpoint URL; empty disables export
	ServiceName string
	Version     string
}

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

// Init installs a global tracer provider exporting to cfg.Endpoint. When no
// endpoint is configured, OTEL_EXPORTER_OTLP_ENDPOINT is consulted; with
// neither the global no-op provider stays in place.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "imagectl"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the imagectl tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
