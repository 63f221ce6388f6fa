// Package otel wires the optional OpenTelemetry tracer. With no endpoint
// configured every span call routes through the global no-op provider,
// so the runner can trace unconditionally.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tandem-run/tandem/internal/build"
)

// TracerName identifies the instrumentation scope.
const TracerName = "github.com/tandem-run/tandem"

// Tracer wraps the OTel tracer with run and task span helpers.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer creates a tracer exporting to the OTLP gRPC endpoint. An
// empty endpoint returns a tracer backed by the global (no-op) provider.
func NewTracer(ctx context.Context, endpoint string) (*Tracer, error) {
	if endpoint == "" {
		return &Tracer{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(build.Slug),
			semconv.ServiceVersion(build.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   otel.Tracer(TracerName),
		provider: provider,
	}, nil
}

// StartRun opens the root span of a DAG run.
func (t *Tracer) StartRun(ctx context.Context, dagName, dagRunID, tenant string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dag.run",
		trace.WithAttributes(
			attribute.String("dag.name", dagName),
			attribute.String("dag.run_id", dagRunID),
			attribute.String("tenant", tenant),
		),
	)
}

// StartTask opens a child span for one task.
func (t *Tracer) StartTask(ctx context.Context, taskID string, kind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dag.task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.kind", kind),
		),
	)
}

// Shutdown flushes pending spans. No-op when tracing is disabled.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
