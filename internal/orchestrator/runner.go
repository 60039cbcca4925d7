package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/oriys/surge/internal/loadgen"
	"github.com/oriys/surge/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// finishTimeout 是执行结束后写入结果的超时
const finishTimeout = 30 * time.Second

// worker 是工作协程的主循环，直到编排器停止。
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case item := <-o.workQueue:
			o.process(id, item)
		}
	}
}

// drain 处理停止时仍在队列中的执行，把它们标记为失败。
func (o *Orchestrator) drain() {
	for {
		select {
		case item := <-o.workQueue:
			logger := o.logger.WithField("task_id", item.task.ID)
			o.finish(item, nil, ErrStopped, logger)
		default:
			return
		}
	}
}

// process 执行一次压测并写回结果。
func (o *Orchestrator) process(workerID int, item *workItem) {
	task := item.task

	tracer := telemetry.GetTracer("task-orchestrator")
	ctx, span := tracer.Start(item.ctx, "task.run",
		trace.WithAttributes(
			attribute.Int64("task.id", task.ID),
			attribute.String("task.target", task.TargetURL),
			attribute.Int("task.concurrency", task.Concurrency),
			attribute.Int("task.threads", task.Threads),
			attribute.String("task.duration", task.Duration),
			attribute.Int("worker.id", workerID),
		),
	)
	defer span.End()

	logger := telemetry.EntryWithTraceContext(ctx, o.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   task.ID,
		"target":    task.TargetURL,
	}))
	logger.Debug("Run started")

	var res *loadgen.Result
	plan, err := o.plan(task)
	if err == nil {
		res, err = o.executor.Run(ctx, plan, o.progress(task.ID, logger))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load test failed")
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int64("run.total", res.Total),
			attribute.Int64("run.failed", res.Failed),
			attribute.Bool("run.cancelled", res.Cancelled),
		)
	}
	o.finish(item, res, err, logger)
}

// plan 由任务参数构造压测计划。
func (o *Orchestrator) plan(task *domain.Task) (loadgen.Plan, error) {
	d, err := task.DurationValue()
	if err != nil {
		return loadgen.Plan{}, err
	}
	p := loadgen.Plan{
		Target:         task.TargetURL,
		Method:         task.Method,
		Body:           task.RequestBody,
		Concurrency:    task.Concurrency,
		Threads:        task.Threads,
		Duration:       d,
		ExpectedQPS:    task.ExpectedQPS,
		RequestTimeout: o.cfg.RequestTimeout,
		GracePeriod:    o.cfg.CancelGracePeriod,
		SampleLimit:    o.cfg.SampleLimit,
	}
	if err := p.Validate(); err != nil {
		return loadgen.Plan{}, err
	}
	return p, nil
}

// progress 把进度快照写入任务日志。任务被取消后的写入失败会被忽略。
func (o *Orchestrator) progress(taskID int64, logger *logrus.Entry) loadgen.Observer {
	return func(s loadgen.Snapshot) {
		msg := fmt.Sprintf("已运行 %s，请求 %d，成功 %d，失败 %d，当前 RPS %.1f",
			s.Elapsed.Round(time.Second), s.Total, s.Successful, s.Failed, s.RPS)
		if _, err := o.logs.Append(context.Background(), taskID, domain.LogLevelInfo, msg); err != nil &&
			!errors.Is(err, domain.ErrInvalidState) {
			logger.WithError(err).Debug("Failed to append progress log")
		}
	}
}

// finish 保存执行指标并完成状态转换，然后释放容量、准入排队任务、触发报告。
func (o *Orchestrator) finish(item *workItem, res *loadgen.Result, runErr error, logger *logrus.Entry) {
	id := item.task.ID
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	defer func() {
		item.run.cancel()
		o.releaseCapacity(id)
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
		o.admitQueued(o.ctx)
	}()

	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		logger.WithError(err).Error("Failed to lock task for completion")
		return
	}
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		unlock()
		logger.WithError(err).Error("Failed to load task for completion")
		return
	}

	if res != nil {
		if err := o.store.SaveRunMetrics(ctx, res.Metrics(id)); err != nil {
			logger.WithError(err).Error("Failed to save run metrics")
		}
	}

	if task.Status != domain.TaskStatusRunning {
		// 已被取消，终态日志已由 CancelTask 写入
		unlock()
		if o.recorder != nil {
			o.recorder.RunFinished(task.Status, res)
		}
		logger.WithField("status", task.Status).Info("Run stopped")
		return
	}

	var (
		eventType string
		level     domain.LogLevel
		message   string
	)
	if runErr == nil && res != nil && !res.Cancelled {
		err = task.Complete()
		eventType, level, message = events.TypeTaskCompleted, domain.LogLevelInfo, msgCompleted
	} else {
		reason := failureReason(item.run, runErr)
		err = task.Fail(reason)
		eventType, level, message = events.TypeTaskFailed, domain.LogLevelError, msgFailed+reason
	}
	if err == nil {
		err = o.store.UpdateTask(ctx, task)
	}
	if err != nil {
		unlock()
		logger.WithError(err).Error("Failed to record task completion")
		return
	}
	if _, err := o.logs.AppendTerminal(ctx, id, level, message); err != nil {
		logger.WithError(err).Warn("Failed to append terminal log")
	}
	unlock()

	fields := logrus.Fields{"status": task.Status}
	if res != nil {
		fields["total"] = res.Total
		fields["failed"] = res.Failed
		fields["elapsed"] = res.Elapsed.String()
	}
	logger.WithFields(fields).Info("Task finished")
	if o.recorder != nil {
		o.recorder.RunFinished(task.Status, res)
	}
	o.transitioned(ctx, task, eventType)
	o.triggerReport(id)
}

// failureReason 生成失败原因。
func failureReason(r *run, runErr error) string {
	switch {
	case runErr == nil:
		if reason := r.stopReason(); reason != "" {
			return reason
		}
		return msgStopped
	case errors.Is(runErr, ErrStopped):
		return msgStopped
	default:
		return runErr.Error()
	}
}

// triggerReport 异步生成报告，Stop 会等待生成结束。
func (o *Orchestrator) triggerReport(taskID int64) {
	if o.reports == nil {
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := o.reports.Generate(ctx, taskID); err != nil {
			o.logger.WithError(err).WithField("task_id", taskID).Warn("Report generation failed")
		}
	}()
}
