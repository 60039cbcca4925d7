package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/sirupsen/logrus"
)

// stuckMargin 是判定任务卡死前在时长和宽限期之外额外等待的时间
const stuckMargin = time.Minute

func (o *Orchestrator) runningTasks(ctx context.Context) ([]*domain.Task, error) {
	page, err := o.store.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusRunning})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Recover 把上次进程遗留的 running 任务标记为失败。
// 在启动工作协程之前调用，此时本实例没有任何执行。
// 容量账本跨实例共享时，任务可能正由其他实例执行，只回收已超过预期结束时间的任务，
// 其余交给 Reap。
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.runningTasks(ctx)
	if err != nil {
		return err
	}
	shared := o.sharedCapacity() != nil
	now := time.Now()
	recovered := 0
	for _, t := range tasks {
		if shared && !o.overdue(t, now) {
			continue
		}
		o.abandon(ctx, t.ID, msgInterrupted)
		recovered++
	}
	if recovered > 0 {
		o.logger.WithField("count", recovered).Warn("Marked interrupted tasks as failed")
	}
	return nil
}

// overdue 判断任务是否已超过时长、宽限期和额外等待时间之和。
func (o *Orchestrator) overdue(t *domain.Task, now time.Time) bool {
	if t.StartTime == nil {
		return true
	}
	d, _ := t.DurationValue()
	return !now.Before(t.StartTime.Add(d + o.cfg.CancelGracePeriod + stuckMargin))
}

// Reap 回收超过预期结束时间仍在运行的任务，并尝试准入排队任务。
// 本实例上的执行被中断后由工作协程完成状态转换，
// 不在本实例上的任务直接标记为失败。
func (o *Orchestrator) Reap(ctx context.Context) {
	tasks, err := o.runningTasks(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Reaper failed to list running tasks")
		return
	}

	now := time.Now()
	reaped := 0
	for _, t := range tasks {
		if t.StartTime == nil || !o.overdue(t, now) {
			continue
		}

		o.mu.Lock()
		r, local := o.runs[t.ID]
		o.mu.Unlock()
		if local {
			r.stop(msgStuck)
		} else {
			o.abandon(ctx, t.ID, msgStuck)
		}
		reaped++
	}
	if reaped > 0 {
		o.logger.WithField("count", reaped).Warn("Reaped stuck tasks")
	}

	if sc := o.sharedCapacity(); sc != nil {
		o.reconcile(ctx, sc, now)
	}
	o.admitQueued(ctx)
}

// reconcile 清理共享账本中无人释放的登记：任务已删除，或已结束且超过收尾时间。
// 正常情况下由执行任务的实例在执行结束时释放，这里处理该实例已不存在的情况。
func (o *Orchestrator) reconcile(ctx context.Context, sc *SharedCapacity, now time.Time) {
	ids, err := sc.Holders(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Reaper failed to list capacity holders")
		return
	}
	released := 0
	for _, id := range ids {
		o.mu.Lock()
		_, local := o.runs[id]
		o.mu.Unlock()
		if local {
			continue
		}
		t, err := o.store.GetTask(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			continue
		case !t.Status.Terminal() || t.EndTime == nil:
			continue
		case now.Before(t.EndTime.Add(o.cfg.CancelGracePeriod + stuckMargin)):
			continue
		}
		if err := sc.Release(ctx, id); err != nil {
			o.logger.WithError(err).WithField("task_id", id).Warn("Failed to release orphaned capacity")
			continue
		}
		released++
	}
	if released > 0 {
		o.logger.WithField("count", released).Warn("Released orphaned capacity")
	}
}

// abandon 把没有执行协程的 running 任务标记为失败。
func (o *Orchestrator) abandon(ctx context.Context, id int64, reason string) {
	logger := o.logger.WithFields(logrus.Fields{"task_id": id, "reason": reason})

	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		logger.WithError(err).Warn("Failed to lock task")
		return
	}
	task, err := o.store.GetTask(ctx, id)
	if err != nil || task.Status != domain.TaskStatusRunning {
		unlock()
		return
	}
	if err := task.Fail(reason); err != nil {
		unlock()
		return
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		unlock()
		logger.WithError(err).Error("Failed to mark task failed")
		return
	}
	if _, err := o.logs.AppendTerminal(ctx, id, domain.LogLevelError, msgFailed+reason); err != nil {
		logger.WithError(err).Warn("Failed to append terminal log")
	}
	unlock()

	o.releaseCapacity(id)
	logger.Warn("Task marked failed")
	o.transitioned(ctx, task, events.TypeTaskFailed)
	o.triggerReport(id)
}
