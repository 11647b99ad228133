package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerHonoursLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown", "book_id", "b-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"book_id":"b-1"`)
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{ServiceName: "bookledger"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	prevTracers, prevMeters := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTracers)
		otel.SetMeterProvider(prevMeters)
	})

	shutdown, err := Setup(context.Background(), Options{
		ServiceName: "bookledger",
		Version:     "test",
		Endpoint:    "localhost:4318",
		Insecure:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
