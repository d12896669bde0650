package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/telemetry"
)

func TestTraceID(t *testing.T) {
	assert.Empty(t, telemetry.TraceID(context.Background()))

	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	ctx, span := provider.Tracer("test").Start(context.Background(), "root")
	defer span.End()

	assert.Len(t, telemetry.TraceID(ctx), 32)
}

func TestAddRecordSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "deploy")

	rec := record.New("api", "alice", record.Options{})
	rec.ID = "abc"
	telemetry.AddRecordSpanAttributes(span, rec)
	span.End()

	spans := recorder.Ended()
	assert.Len(t, spans, 1)
	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "abc", attrs["deployment.id"])
	assert.Equal(t, "api", attrs["deployment.service"])
	assert.Equal(t, "alice", attrs["deployment.requester"])
	assert.Equal(t, "queued", attrs["deployment.status"])
}
