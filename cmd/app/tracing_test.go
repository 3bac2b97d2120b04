package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	tp, err := newTracerProvider(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, tp)
}

func TestNewTracerProvider(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tp, err := newTracerProvider(context.Background(), "localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.Equal(t, tp, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	require.True(t, span.IsRecording())
	require.True(t, span.SpanContext().IsValid())

	ctx, cc := context.WithTimeout(context.Background(), 5*time.Second)
	defer cc()
	require.NoError(t, tp.Shutdown(ctx))
}
