package domain

import (
	"fmt"
	"time"
)

// ReportStatus 表示报告生成状态。
type ReportStatus string

// 报告状态常量定义
const (
	// ReportStatusGenerating 表示报告生成中
	ReportStatusGenerating ReportStatus = "generating"
	// ReportStatusCompleted 表示报告生成完成
	ReportStatusCompleted ReportStatus = "completed"
	// ReportStatusFailed 表示报告生成失败
	ReportStatusFailed ReportStatus = "failed"
)

// Valid 判断报告状态是否为已知取值。
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusGenerating, ReportStatusCompleted, ReportStatusFailed:
		return true
	}
	return false
}

// PercentileKeys 是报告中必须包含的延迟百分位。
var PercentileKeys = []int{50, 90, 95, 99}

// Report 表示一次压测任务的聚合结果。
// Report 只在 generating 状态下由报告生成器修改，completed 或 failed 后不可变。
type Report struct {
	ID                 int64              `json:"id"`
	TaskID             int64              `json:"task_id"`
	ApplyID            int64              `json:"apply_id"`
	Status             ReportStatus       `json:"status"`
	TargetURL          string             `json:"target_url"`
	Concurrency        int                `json:"concurrency"`
	Threads            int                `json:"threads"`
	Duration           string             `json:"duration"`
	TotalRequests      int64              `json:"total_requests"`
	SuccessfulRequests int64              `json:"successful_requests"`
	FailedRequests     int64              `json:"failed_requests"`
	RequestsPerSecond  float64            `json:"requests_per_second"`
	ErrorRate          float64            `json:"error_rate"`
	LatencyMin         float64            `json:"latency_min"`
	LatencyMax         float64            `json:"latency_max"`
	LatencyAvg         float64            `json:"latency_avg"`
	LatencyStdev       float64            `json:"latency_stdev"`
	LatencyPercentiles map[string]float64 `json:"latency_percentiles"`
	StatusCodes        map[string]int64   `json:"status_codes,omitempty"`
	ErrorMsg           string             `json:"error_msg,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// NewReport 为任务创建一份 generating 状态的报告。
func NewReport(task *Task) *Report {
	return &Report{
		TaskID:             task.ID,
		ApplyID:            task.ApplyID,
		Status:             ReportStatusGenerating,
		TargetURL:          task.TargetURL,
		Concurrency:        task.Concurrency,
		Threads:            task.Threads,
		Duration:           task.Duration,
		LatencyPercentiles: map[string]float64{},
		CreatedAt:          time.Now(),
	}
}

// MarkCompleted 将报告标记为生成完成。
func (r *Report) MarkCompleted() error {
	if r.Status != ReportStatusGenerating {
		return fmt.Errorf("%w: report is %s", ErrInvalidState, r.Status)
	}
	now := time.Now()
	r.Status = ReportStatusCompleted
	r.CompletedAt = &now
	return nil
}

// MarkFailed 将报告标记为生成失败，并记录原因。
func (r *Report) MarkFailed(reason string) error {
	if r.Status != ReportStatusGenerating {
		return fmt.Errorf("%w: report is %s", ErrInvalidState, r.Status)
	}
	now := time.Now()
	r.Status = ReportStatusFailed
	r.ErrorMsg = reason
	r.CompletedAt = &now
	return nil
}

// ReportFilter 是报告列表的查询条件。
type ReportFilter struct {
	Status  ReportStatus
	TaskID  *int64
	ApplyID *int64
	Page    PageRequest
}

// RunMetrics 是一次任务执行采集到的原始指标，是报告生成的数据源。
type RunMetrics struct {
	TaskID             int64            `json:"task_id"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	Elapsed            time.Duration    `json:"elapsed"`
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	BytesReceived      int64            `json:"bytes_received"`
	StatusCodes        map[string]int64 `json:"status_codes,omitempty"`
	Errors             map[string]int64 `json:"errors,omitempty"`
	// LatencySamples 是按完成顺序记录的单请求延迟（微秒）
	LatencySamples []int64 `json:"latency_samples,omitempty"`
}

// Consistent 检查计数是否自洽。
func (m *RunMetrics) Consistent() bool {
	if m.TotalRequests < 0 || m.SuccessfulRequests < 0 || m.FailedRequests < 0 {
		return false
	}
	return m.SuccessfulRequests+m.FailedRequests == m.TotalRequests
}
