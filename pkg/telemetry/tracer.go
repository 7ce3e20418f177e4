package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrJobID    = attribute.Key("job.id")
	AttrJobState = attribute.Key("job.state")
	AttrProcess  = attribute.Key("job.process")
	AttrQueue    = attribute.Key("job.queue")

	AttrBackend   = attribute.Key("backend.name")
	AttrBackendOp = attribute.Key("backend.operation")

	AttrConnection = attribute.Key("connection.name")
	AttrFieldKey   = attribute.Key("connection.field")

	AttrErrorKind = attribute.Key("error.kind")
)

// Tracer produces the spans of a run: one job span with nested backend
// spans, plus resolve spans for connection fields.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates the tracer for c. Disabled tracing yields a provider
// without exporter, so spans are cheap and never leave the process.
func NewTracer(c *Config) (*Tracer, error) {
	cfg := c.Tracing
	if !cfg.Enabled {
		return &Tracer{provider: sdktrace.NewTracerProvider(), tracer: otel.Tracer(c.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(c.ServiceVersion),
		attribute.String("environment", c.Environment),
	}
	for k, v := range c.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(c.ServiceName)}, nil
}

// newSpanExporter returns nil for the "none" exporter.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		// stderr, so spans never mix with command output
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartSpan starts a span with attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartJobSpan starts the span covering one process run, from staging to
// cleanup.
func (t *Tracer) StartJobSpan(ctx context.Context, process, queue string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "job.run", AttrProcess.String(process), AttrQueue.String(queue))
}

func (t *Tracer) StartBackendSpan(ctx context.Context, backend, operation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "backend."+operation, AttrBackend.String(backend), AttrBackendOp.String(operation))
}

func (t *Tracer) StartResolveSpan(ctx context.Context, connection, key string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "connection.resolve", AttrConnection.String(connection), AttrFieldKey.String(key))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddJobEvent records a job status transition on the job span.
func AddJobEvent(span trace.Span, jobID, state string) {
	span.AddEvent("job.state", trace.WithAttributes(AttrJobID.String(jobID), AttrJobState.String(state)))
}

// traceFields returns the ids of span for log correlation, or nil when the
// span is not recording a valid trace.
func traceFields(span trace.Span) map[string]interface{} {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return map[string]interface{}{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
