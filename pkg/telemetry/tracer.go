package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// TracerOptions configures tracing.
type TracerOptions struct {
	// Enabled turns span export on. Disabled tracers still hand out
	// no-op spans so call sites stay unconditional.
	Enabled bool

	// ServiceVersion is stamped on every span's resource.
	ServiceVersion string
}

// Tracer wraps the OpenTelemetry tracer for deployment runs.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer exporting spans to stdout.
func NewTracer(opts TracerOptions) (*Tracer, error) {
	if !opts.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer("stagecoach")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("stagecoach"),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer("stagecoach")}, nil
}

// StartRun starts the root span for a deployment run, stamped with the
// artifact tag being deployed.
func (t *Tracer) StartRun(ctx context.Context, tag string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "deployment.run",
		trace.WithAttributes(attribute.String("artifact.tag", tag)))
}

// StartStage starts a child span covering one stage apply.
func (t *Tracer) StartStage(ctx context.Context, stage engine.StageName) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("stage.%s", stage),
		trace.WithAttributes(attribute.String("stage", string(stage))))
}

// EndSpan finishes a span, recording err if the operation failed.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
