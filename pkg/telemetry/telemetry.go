// Functions for working with OpenTelemetry across the rollout components.

package telemetry

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/version"
)

// How long between each time OT sends something to the collector.
const batchTimeout = 5 * time.Second

const instrumentationName = "github.com/nais/rollout"

// Initialize the OpenTelemetry library.
//
// You MUST call `Shutdown()` on the tracer provider before exiting,
// lest traces are not sent to the collector.
func New(ctx context.Context, serviceName string, collectorEndpointURL string) (*trace.TracerProvider, error) {
	otel.SetTextMapPropagator(newPropagator())

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.OSName(runtime.GOOS),
		semconv.ServiceVersion(version.Version()),
	)

	tracerProvider, err := newTraceProvider(ctx, res, collectorEndpointURL)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

// Returns the top-level tracer.
//
// Until New() has been called, this is the no-op tracer of the global provider.
func Tracer() otrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Returns the trace ID of the span stored in the context, or an empty string.
func TraceID(ctx context.Context) string {
	sc := otrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func RecordAttributes(rec *record.Record) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("deployment.id", rec.ID),
		attribute.String("deployment.service", rec.Service),
		attribute.String("deployment.requester", rec.Requester),
		attribute.String("deployment.status", string(rec.Status)),
	}
}

func AddRecordSpanAttributes(span otrace.Span, rec *record.Record) {
	span.SetAttributes(RecordAttributes(rec)...)
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpointURL string) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpointURL))
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)

	return traceProvider, nil
}
