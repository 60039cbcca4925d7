package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/loadgen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewMetricsWith("surge", reg), reg
}

func TestMetrics_Orchestrator(t *testing.T) {
	m, _ := newTestMetrics()

	m.TaskTransitioned(domain.TaskStatusRunning)
	m.TaskTransitioned(domain.TaskStatusRunning)
	m.TaskTransitioned(domain.TaskStatusCompleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("completed")))

	m.RunFinished(domain.TaskStatusCompleted, &loadgen.Result{Elapsed: 30 * time.Second, Total: 10, Successful: 8, Failed: 2})
	m.RunFinished(domain.TaskStatusFailed, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.LoadRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoadRequestsTotal.WithLabelValues("failed")))

	m.CapacityChanged(2, 300)
	m.AdmissionQueueChanged(5)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunningTasks))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.ReservedClients))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AdmissionQueueSize))

	m.ReportGenerated(domain.ReportStatusCompleted, 12*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsGenerated.WithLabelValues("completed")))
}

func TestMetrics_LogSubscribers(t *testing.T) {
	m, reg := newTestMetrics()
	n := 3
	m.ObserveLogSubscribers("surge", func() int { return n })

	expected := `
# HELP surge_log_subscribers Active task log stream subscribers
# TYPE surge_log_subscribers gauge
surge_log_subscribers 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "surge_log_subscribers"))
}

func TestMetrics_Middleware(t *testing.T) {
	m, _ := newTestMetrics()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/v1/tasks/1", "/api/v1/tasks/2", "/healthz"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/tasks/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200")))
}
