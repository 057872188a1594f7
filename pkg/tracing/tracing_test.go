package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "telecall", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "negotiation.offer")
	require.NotNil(t, span)
	defer span.End()

	AddSpanAttributes(ctx,
		CallIDKey.String("call-1"),
		attribute.Int("attempt", 2),
	)
	RecordError(ctx, errors.New("boom"))
	MeasureDuration(ctx, time.Now().Add(-time.Millisecond), "offer")

	assert.Empty(t, TraceID(ctx), "no-op spans carry no trace id")
}

func TestTraceHelpers(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/calls/:id")
	require.NotNil(t, span)
	span.End()

	_, span = TraceSignalMessage(context.Background(), "offer", "call-1", "peer-a")
	require.NotNil(t, span)
	span.End()
}
