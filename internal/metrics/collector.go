// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义平台关键指标（HTTP 请求、任务执行、容量、报告），便于在各模块复用并保持标签一致。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/loadgen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装平台运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
//
// 指标分类:
//   - HTTP 指标: 接口请求数量和耗时
//   - 任务指标: 状态转换、执行结果和压测请求量
//   - 容量指标: 运行中任务数、占用的客户端数和准入队列长度
//   - 报告指标: 报告生成数量和耗时
type Metrics struct {
	// ========== HTTP 相关指标 ==========

	// HTTPRequestsTotal 接口请求总数
	// 标签: method, route, status
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration 接口请求耗时直方图（单位：毫秒）
	// 标签: method, route
	HTTPRequestDuration *prometheus.HistogramVec

	// ========== 任务相关指标 ==========

	// TaskTransitions 任务进入各状态的次数
	// 标签: status
	TaskTransitions *prometheus.CounterVec

	// RunsTotal 压测执行结束次数，按任务最终状态分类
	// 标签: status
	RunsTotal *prometheus.CounterVec

	// RunDuration 压测实际执行时长直方图（单位：秒）
	RunDuration prometheus.Histogram

	// LoadRequestsTotal 压测发出的请求总数
	// 标签: result (success/failed)
	LoadRequestsTotal *prometheus.CounterVec

	// ========== 容量相关指标 ==========

	// RunningTasks 占用容量的任务数
	RunningTasks prometheus.Gauge

	// ReservedClients 占用的并发客户端总数
	ReservedClients prometheus.Gauge

	// AdmissionQueueSize 等待容量的任务数
	AdmissionQueueSize prometheus.Gauge

	// ========== 报告相关指标 ==========

	// ReportsGenerated 报告生成次数
	// 标签: status (completed/failed)
	ReportsGenerated *prometheus.CounterVec

	// ReportDuration 报告生成耗时直方图（单位：毫秒）
	ReportDuration prometheus.Histogram

	reg prometheus.Registerer
}

// NewMetrics 创建一组 Prometheus 指标并注册到默认注册表。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith 创建一组指标并注册到 reg。
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_ms",
				Help:      "API request duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"method", "route"},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of task status transitions",
			},
			[]string{"status"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished load test runs",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Load test run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		LoadRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_requests_total",
				Help:      "Total number of requests sent by load tests",
			},
			[]string{"result"},
		),
		RunningTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tasks",
				Help:      "Tasks holding execution capacity",
			},
		),
		ReservedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reserved_clients",
				Help:      "Concurrent clients reserved by running tasks",
			},
		),
		AdmissionQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_queue_size",
				Help:      "Tasks waiting for execution capacity",
			},
		),
		ReportsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_generated_total",
				Help:      "Total number of generated reports",
			},
			[]string{"status"},
		),
		ReportDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_duration_ms",
				Help:      "Report generation duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
	}
}

// TaskTransitioned 记录一次任务状态转换。
func (m *Metrics) TaskTransitioned(status domain.TaskStatus) {
	m.TaskTransitions.WithLabelValues(string(status)).Inc()
}

// RunFinished 记录一次压测执行的结果。res 为 nil 时只记录状态。
func (m *Metrics) RunFinished(status domain.TaskStatus, res *loadgen.Result) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	if res == nil {
		return
	}
	m.RunDuration.Observe(res.Elapsed.Seconds())
	m.LoadRequestsTotal.WithLabelValues("success").Add(float64(res.Successful))
	m.LoadRequestsTotal.WithLabelValues("failed").Add(float64(res.Failed))
}

// CapacityChanged 更新容量占用。
func (m *Metrics) CapacityChanged(tasks, clients int) {
	m.RunningTasks.Set(float64(tasks))
	m.ReservedClients.Set(float64(clients))
}

// AdmissionQueueChanged 更新准入队列长度。
func (m *Metrics) AdmissionQueueChanged(n int) {
	m.AdmissionQueueSize.Set(float64(n))
}

// ReportGenerated 记录一次报告生成。
func (m *Metrics) ReportGenerated(status domain.ReportStatus, elapsed time.Duration) {
	m.ReportsGenerated.WithLabelValues(string(status)).Inc()
	m.ReportDuration.Observe(float64(elapsed.Microseconds()) / 1000)
}

// ObserveLogSubscribers 注册日志订阅者数量指标，fn 在每次采集时调用。
func (m *Metrics) ObserveLogSubscribers(namespace string, fn func() int) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_subscribers",
			Help:      "Active task log stream subscribers",
		},
		func() float64 { return float64(fn()) },
	)
}

// RecordRequest 记录一次接口请求。
func (m *Metrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(float64(elapsed.Microseconds()) / 1000)
}

// Middleware 返回记录接口请求指标的 chi 中间件。
// route 标签使用路由模板（如 /api/v1/tasks/{id}），避免标签基数随 ID 增长。
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordRequest(r.Method, route, status, time.Since(start))
	})
}
