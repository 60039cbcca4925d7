// Package report 根据任务执行指标生成压测报告，并支持导出为 PDF、CSV 和 XLSX。
//
// 每个任务最多保留一份报告。重新生成会先删除旧报告，
// 报告只在 generating 状态下被修改，进入 completed 或 failed 后不可变。
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/sirupsen/logrus"
)

const eventSource = "report"

// ErrTaskNotFinished 表示任务未完成或失败，不能生成报告
var ErrTaskNotFinished = fmt.Errorf("%w: report requires a completed or failed task", domain.ErrInvalidState)

// Repository 是报告生成器依赖的存储。
type Repository interface {
	domain.ReportRepository
	domain.MetricsRepository
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
}

// Recorder 记录报告生成结果，由监控指标实现。
type Recorder interface {
	ReportGenerated(status domain.ReportStatus, elapsed time.Duration)
}

// Generator 是报告生成服务。
type Generator struct {
	repo     Repository
	events   events.Publisher
	logger   *logrus.Logger
	recorder Recorder

	mu    sync.Mutex
	locks map[int64]*taskLock
}

// taskLock 是单个任务的生成锁，refs 为持有或等待的调用数，归零时从 locks 中移除。
type taskLock struct {
	sync.Mutex
	refs int
}

// NewGenerator 创建报告生成器。
func NewGenerator(repo Repository, publisher events.Publisher, logger *logrus.Logger) *Generator {
	return &Generator{
		repo:   repo,
		events: publisher,
		logger: logger,
		locks:  make(map[int64]*taskLock),
	}
}

// SetRecorder 设置生成结果记录器。
func (g *Generator) SetRecorder(r Recorder) {
	g.recorder = r
}

func (g *Generator) lock(taskID int64) func() {
	g.mu.Lock()
	l, ok := g.locks[taskID]
	if !ok {
		l = &taskLock{}
		g.locks[taskID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, taskID)
		}
		g.mu.Unlock()
	}
}

// lockCount 返回当前登记的任务锁数量。
func (g *Generator) lockCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// Generate 为已结束的任务生成报告。
//
// 参数:
//   - ctx: 上下文
//   - taskID: 任务 ID，任务必须处于 completed 或 failed
//
// 返回:
//   - *domain.Report: 生成的报告；聚合失败时为 failed 状态的报告
//   - error: 任务不存在返回 ErrTaskNotFound；状态不对返回 ErrTaskNotFinished；
//     指标缺失或不自洽返回 ErrAggregation 类错误
func (g *Generator) Generate(ctx context.Context, taskID int64) (*domain.Report, error) {
	unlock := g.lock(taskID)
	defer unlock()

	start := time.Now()
	task, err := g.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusCompleted && task.Status != domain.TaskStatusFailed {
		return nil, ErrTaskNotFinished
	}

	if old, err := g.repo.GetReportByTask(ctx, taskID); err == nil {
		if err := g.repo.DeleteReport(ctx, old.ID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	r := domain.NewReport(task)
	if err := g.repo.CreateReport(ctx, r); err != nil {
		return nil, err
	}

	logger := g.logger.WithFields(logrus.Fields{
		"report_id": r.ID,
		"task_id":   taskID,
	})

	m, err := g.repo.GetRunMetrics(ctx, taskID)
	if err == nil {
		err = Aggregate(r, m)
	}
	if err != nil {
		if ferr := r.MarkFailed(err.Error()); ferr != nil {
			return nil, ferr
		}
		if uerr := g.repo.UpdateReport(ctx, r); uerr != nil {
			logger.WithError(uerr).Error("Failed to persist failed report")
		}
		logger.WithError(err).Warn("Report generation failed")
		g.finish(ctx, r, start, events.TypeReportFailed)
		return r, err
	}

	if err := r.MarkCompleted(); err != nil {
		return nil, err
	}
	if err := g.repo.UpdateReport(ctx, r); err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"total_requests": r.TotalRequests,
		"rps":            r.RequestsPerSecond,
		"p99_ms":         r.LatencyPercentiles["99"],
	}).Info("Report generated")
	g.finish(ctx, r, start, events.TypeReportCompleted)
	return r, nil
}

func (g *Generator) finish(ctx context.Context, r *domain.Report, start time.Time, eventType string) {
	if g.recorder != nil {
		g.recorder.ReportGenerated(r.Status, time.Since(start))
	}
	g.events.Emit(ctx, eventType, eventSource, r)
}

// Get 按 ID 查询报告。
func (g *Generator) Get(ctx context.Context, id int64) (*domain.Report, error) {
	return g.repo.GetReport(ctx, id)
}

// GetByTask 查询任务的报告。
func (g *Generator) GetByTask(ctx context.Context, taskID int64) (*domain.Report, error) {
	return g.repo.GetReportByTask(ctx, taskID)
}

// List 分页查询报告。
func (g *Generator) List(ctx context.Context, f domain.ReportFilter) (domain.Page[*domain.Report], error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.Page[*domain.Report]{}, domain.ValidationError("status", "unknown status")
	}
	f.Page = f.Page.Normalize(domain.DefaultPageSize, domain.MaxPageSize)
	return g.repo.ListReports(ctx, f)
}

// ListByApply 返回申请下全部任务的报告。
func (g *Generator) ListByApply(ctx context.Context, applyID int64) ([]*domain.Report, error) {
	page, err := g.repo.ListReports(ctx, domain.ReportFilter{ApplyID: &applyID})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Delete 删除报告。
func (g *Generator) Delete(ctx context.Context, id int64) error {
	if err := g.repo.DeleteReport(ctx, id); err != nil {
		return err
	}
	g.logger.WithField("report_id", id).Info("Report deleted")
	return nil
}
