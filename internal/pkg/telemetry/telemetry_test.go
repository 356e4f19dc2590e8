package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
)

type cardRequest struct {
	CardHolder string  `json:"card_holder"`
	CardNumber string  `json:"card_number" masq:"secret"`
	CardCVC    string  `json:"card_cvc" masq:"secret"`
	Amount     float64 `json:"amount"`
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestLogger_RedactsCardData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger("info", "json", &buf)
	logger.Info("processing payment",
		slog.Any("request", cardRequest{CardHolder: "Ada", CardNumber: "4242424242424242", CardCVC: "123", Amount: 9}),
		slog.String("raw", "4242424242424242"),
		slog.String("password", "hunter2"),
	)

	out := buf.String()
	assert.NotContains(t, out, "4242424242424242")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"123"`)
	assert.Contains(t, out, "Ada")
}

func TestLogger_AddsTraceIDs(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := newLogger("info", "json", &buf).With(slog.String("service", "payment"))
	logger.InfoContext(ctx, "hello")

	line := decodeLine(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
	assert.Equal(t, "payment", line["service"])
}

func TestLogger_NoTraceWithoutSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger("info", "json", &buf).InfoContext(trace.ContextWithSpanContext(context.Background(), trace.SpanContext{}), "hello")

	line := decodeLine(t, &buf)
	assert.NotContains(t, line, "trace_id")
}

func TestLogger_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger("warn", "text", &buf)
	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewLogger_RotatedFile(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/saga.log"
	logger, closer := NewLogger(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	logger.Info("to file")
	require.NoError(t, closer.Close())
}

func TestSetupTracer_Disabled(t *testing.T) {
	t.Parallel()

	shutdown, err := SetupTracer(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"http://collector:4317":  "collector:4317",
		"https://collector:4317": "collector:4317",
		"collector:4317":         "collector:4317",
		"http://":                "http://",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripScheme(in), in)
	}
}
