package fulfillment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestHandleCallbackRecordsSpan(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)
	h.digitalProduct(t, "game", false, "KEY-1")
	h.order(t, "200", digitalItem("game", 2))

	_, err := h.pipeline.HandleCallback(context.Background(), paid("200"))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "fulfillment.HandleCallback", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "200", attrs["order.id"].AsString())
	assert.Equal(t, string(OutcomeCompleted), attrs["fulfillment.outcome"].AsString())
	assert.Equal(t, int64(1), attrs["fulfillment.short"].AsInt64())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestHandleCallbackSpanMarksErrors(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)

	_, err := h.pipeline.HandleCallback(context.Background(), paid("missing"))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, spans[0].Events(), "error must be recorded as span event")
}
