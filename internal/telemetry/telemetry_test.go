package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/surge/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTraceContextInLogs(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(tracetest.NewInMemoryExporter())))
	defer tp.Shutdown(context.Background())

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	traceID := TraceIDFromContext(ctx)
	require.Len(t, traceID, 32)

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(NewLogrusHook())

	logger.WithContext(ctx).Info("hooked")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, traceID, line["trace_id"])

	buf.Reset()
	EntryWithTraceContext(ctx, logger.WithField("task_id", 1)).Info("entry")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, traceID, line["trace_id"])
	assert.Equal(t, float64(1), line["task_id"])
}

func TestHTTPMiddlewareSkipsHealthAndMetrics(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := HTTPMiddleware("surge-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, path := range []string{"/health/ready", "/metrics", "/api/v1/tasks/3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/tasks/3", spans[0].Name)
}
