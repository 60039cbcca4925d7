// Package orchestrator 管理压测任务的生命周期。
//
// 任务状态机为 pending -> running -> completed/failed，running -> cancelled，
// failed -> pending（重试）。所有状态转换都在任务级互斥锁下进行，
// 同一任务任意时刻最多只有一次执行。
// 启动只做校验、容量预留和入队，压测本身由工作协程池异步执行。
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oriys/surge/internal/config"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/oriys/surge/internal/loadgen"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const eventSource = "orchestrator"

// 准入策略
const (
	AdmissionReject = "reject"
	AdmissionQueue  = "queue"
)

// 任务日志文案
const (
	msgStarted     = "开始执行压测任务"
	msgCompleted   = "压测任务执行完成"
	msgFailed      = "压测任务执行失败: "
	msgCancelled   = "任务已被取消"
	msgRetried     = "任务已重置，等待重新执行"
	msgInterrupted = "进程重启，任务中断"
	msgStopped     = "服务停止，任务中断"
	msgStuck       = "任务执行超时，已被回收"
)

// ErrTaskQueued 表示任务已在准入队列中等待
var ErrTaskQueued = fmt.Errorf("%w: task is already waiting for capacity", domain.ErrInvalidState)

// ErrStopped 表示编排器已停止
var ErrStopped = errors.New("orchestrator stopped")

// Repository 是编排器依赖的存储。
type Repository interface {
	domain.TaskRepository
	domain.MetricsRepository
	GetApplication(ctx context.Context, id int64) (*domain.Application, error)
}

// LogWriter 写入任务执行日志，由 logstream.Stream 实现。
type LogWriter interface {
	Append(ctx context.Context, taskID int64, level domain.LogLevel, message string) (*domain.LogEntry, error)
	AppendTerminal(ctx context.Context, taskID int64, level domain.LogLevel, message string) (*domain.LogEntry, error)
	Reopen(ctx context.Context, taskID int64, message string) (*domain.LogEntry, error)
}

// ReportTrigger 在任务结束后生成报告，由 report.Generator 实现。
type ReportTrigger interface {
	Generate(ctx context.Context, taskID int64) (*domain.Report, error)
}

// Executor 执行一次压测，由 loadgen.Engine 实现。
type Executor interface {
	Run(ctx context.Context, plan loadgen.Plan, observe loadgen.Observer) (*loadgen.Result, error)
}

// Recorder 记录编排器运行指标，由 metrics.Metrics 实现。
type Recorder interface {
	TaskTransitioned(status domain.TaskStatus)
	RunFinished(status domain.TaskStatus, res *loadgen.Result)
	CapacityChanged(tasks, clients int)
	AdmissionQueueChanged(n int)
}

// Deps 是编排器的依赖集合。
type Deps struct {
	Store    Repository
	Logs     LogWriter
	Reports  ReportTrigger
	Locker   Locker
	Capacity CapacityManager
	Executor Executor
	Events   events.Publisher
	// Listener 接收其他实例发布的取消事件，为 nil 时只能停止本实例的执行
	Listener events.Listener
	Recorder Recorder
	Logger   *logrus.Logger
}

// run 是一次进行中的执行。
type run struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	reason string
}

func (r *run) stop(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) stopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// workItem 是投递给工作协程的执行请求。
type workItem struct {
	task *domain.Task
	ctx  context.Context
	run  *run
}

// Orchestrator 是任务编排器。
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    Repository
	logs     LogWriter
	reports  ReportTrigger
	locker   Locker
	capacity CapacityManager
	executor Executor
	events   events.Publisher
	listener events.Listener
	recorder Recorder
	logger   *logrus.Logger

	admission *admissionQueue
	workQueue chan *workItem
	wg        sync.WaitGroup
	bg        sync.WaitGroup
	cron      *cron.Cron

	mu   sync.Mutex
	runs map[int64]*run

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建任务编排器。
//
// 参数:
//   - cfg: 编排配置，工作协程数、队列长度和容量上限
//   - deps: 存储、日志流、报告、锁、容量和执行器等依赖
//
// 返回:
//   - *Orchestrator: 调用 Start 后开始处理任务
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.MaxConcurrentTasks
	}
	if cfg.QueueSize < cfg.MaxConcurrentTasks {
		cfg.QueueSize = cfg.MaxConcurrentTasks
	}
	if cfg.DefaultThreads <= 0 {
		cfg.DefaultThreads = 4
	}
	if cfg.AdmissionPolicy != AdmissionQueue {
		cfg.AdmissionPolicy = AdmissionReject
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Capacity == nil {
		deps.Capacity = NewLocalCapacity(cfg.MaxConcurrentTasks, cfg.MaxTotalClients)
	}
	if deps.Executor == nil {
		deps.Executor = loadgen.NewEngine()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		logs:      deps.Logs,
		reports:   deps.Reports,
		locker:    deps.Locker,
		capacity:  deps.Capacity,
		executor:  deps.Executor,
		events:    deps.Events,
		listener:  deps.Listener,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		admission: newAdmissionQueue(cfg.QueueSize),
		// 每个入队的执行都持有一份容量，队列不会超过并发任务上限
		workQueue: make(chan *workItem, cfg.QueueSize),
		cron:      cron.New(cron.WithSeconds()),
		runs:      make(map[int64]*run),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 恢复上次进程遗留的任务，启动工作协程和定时回收。
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	if o.listener != nil {
		if err := o.listener.Listen(o.ctx, events.TypeTaskCancelled, o.onCancelled); err != nil {
			return fmt.Errorf("listen for cancellations: %w", err)
		}
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	if o.cfg.ReaperSchedule != "" {
		if _, err := o.cron.AddFunc(o.cfg.ReaperSchedule, func() { o.Reap(o.ctx) }); err != nil {
			return fmt.Errorf("schedule reaper %q: %w", o.cfg.ReaperSchedule, err)
		}
		o.cron.Start()
	}

	o.logger.WithFields(logrus.Fields{
		"workers":          o.cfg.Workers,
		"max_tasks":        o.cfg.MaxConcurrentTasks,
		"max_clients":      o.cfg.MaxTotalClients,
		"admission_policy": o.cfg.AdmissionPolicy,
	}).Info("Orchestrator started")
	return nil
}

// Stop 停止编排器：中断进行中的压测并等待工作协程退出。
// 被中断的任务标记为 failed。
func (o *Orchestrator) Stop() {
	cronCtx := o.cron.Stop()
	o.mu.Lock()
	for _, r := range o.runs {
		r.stop(msgStopped)
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
	o.drain()
	o.bg.Wait()
	<-cronCtx.Done()
	o.logger.Info("Orchestrator stopped")
}

func taskLockKey(id int64) string {
	return fmt.Sprintf("task:%d", id)
}

// CreateFromApplication 为审核通过的申请创建 pending 任务。
func (o *Orchestrator) CreateFromApplication(ctx context.Context, app *domain.Application, createdBy int64) (*domain.Task, error) {
	task, err := domain.NewTaskFromApplication(app, o.cfg.DefaultThreads, createdBy)
	if err != nil {
		return nil, err
	}
	if _, err := task.DurationValue(); err != nil {
		return nil, err
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"apply_id":    app.ID,
		"target":      task.TargetURL,
		"concurrency": task.Concurrency,
		"threads":     task.Threads,
	}).Info("Task created")
	o.transitioned(ctx, task, events.TypeTaskCreated)
	return task, nil
}

// StartTask 启动 pending 任务。
// 校验通过后预留容量并入队，不等待压测完成。
// 容量不足时按准入策略处理：reject 返回 ErrCapacityExhausted；
// queue 把任务放入等待队列，返回的任务仍为 pending，可用 Queued 查询。
func (o *Orchestrator) StartTask(ctx context.Context, id int64) (*domain.Task, error) {
	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusPending {
		return nil, domain.ErrTaskNotPending
	}
	if o.admission.contains(id) {
		return nil, ErrTaskQueued
	}
	app, err := o.store.GetApplication(ctx, task.ApplyID)
	if err != nil {
		return nil, err
	}
	if app.AuditStatus != domain.AuditStatusApproved {
		return nil, domain.ErrApplicationNotApproved
	}
	if _, err := task.DurationValue(); err != nil {
		return nil, err
	}

	ok, err := o.capacity.Reserve(ctx, id, task.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("reserve capacity: %w", err)
	}
	if !ok {
		if o.cfg.AdmissionPolicy != AdmissionQueue {
			return nil, domain.ErrCapacityExhausted
		}
		if _, err := o.admission.push(id); err != nil {
			return nil, err
		}
		o.queueChanged()
		o.logger.WithField("task_id", id).Info("Task queued for capacity")
		return task, nil
	}

	if err := o.launch(ctx, task); err != nil {
		o.releaseCapacity(id)
		return nil, err
	}
	return task, nil
}

// Queued 判断任务是否在准入队列中等待。
func (o *Orchestrator) Queued(id int64) bool {
	return o.admission.contains(id)
}

// launch 把已预留容量的任务转为 running 并投递给工作协程，调用方持有任务锁。
func (o *Orchestrator) launch(ctx context.Context, task *domain.Task) error {
	if o.ctx.Err() != nil {
		return ErrStopped
	}
	if err := task.Start(); err != nil {
		return err
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	r := &run{cancel: cancel}
	o.mu.Lock()
	o.runs[task.ID] = r
	o.mu.Unlock()

	if _, err := o.logs.Append(ctx, task.ID, domain.LogLevelInfo, msgStarted); err != nil {
		o.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to append start log")
	}

	item := &workItem{task: task.Clone(), ctx: runCtx, run: r}
	select {
	case o.workQueue <- item:
	case <-o.ctx.Done():
		cancel()
		o.mu.Lock()
		delete(o.runs, task.ID)
		o.mu.Unlock()
		return ErrStopped
	}

	o.logger.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"target":      task.TargetURL,
		"concurrency": task.Concurrency,
		"duration":    task.Duration,
	}).Info("Task started")
	o.transitioned(ctx, task, events.TypeTaskStarted)
	return nil
}

// CancelTask 取消运行中的任务。
// 任务立即转为 cancelled 并写入终态日志；压测停止发送新请求，
// 进行中的请求在宽限期后被放弃，容量在执行结束时释放。
func (o *Orchestrator) CancelTask(ctx context.Context, id int64) (*domain.Task, error) {
	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := task.Cancel(); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	if _, err := o.logs.AppendTerminal(ctx, id, domain.LogLevelWarning, msgCancelled); err != nil {
		o.logger.WithError(err).WithField("task_id", id).Warn("Failed to append cancel log")
	}

	o.mu.Lock()
	r, local := o.runs[id]
	o.mu.Unlock()
	switch {
	case local:
		r.stop(msgCancelled)
	case o.sharedCapacity() == nil:
		// 容量账本只在本进程，执行不在本实例说明已随进程重启丢失
		o.releaseCapacity(id)
	default:
		// 执行可能在其他实例上，由其收到取消事件后停止并释放容量，
		// 实例已不存在时由回收任务清理账本
	}

	o.logger.WithField("task_id", id).Info("Task cancelled")
	o.transitioned(ctx, task, events.TypeTaskCancelled)
	return task, nil
}

// RetryTask 把失败任务重置为 pending，任务 ID 不变。
// 上一次执行的指标被清除，日志流重新打开。
func (o *Orchestrator) RetryTask(ctx context.Context, id int64) (*domain.Task, error) {
	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := task.Retry(); err != nil {
		return nil, err
	}
	if err := o.store.DeleteRunMetrics(ctx, id); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	if _, err := o.logs.Reopen(ctx, id, msgRetried); err != nil {
		o.logger.WithError(err).WithField("task_id", id).Warn("Failed to reopen task log stream")
	}

	o.logger.WithField("task_id", id).Info("Task reset for retry")
	o.transitioned(ctx, task, events.TypeTaskRetried)
	return task, nil
}

// onCancelled 处理其他实例发布的取消事件，停止本实例上对应的执行。
// 只有存储中的任务确实处于 cancelled 时才停止，迟到的事件不会打断重试后的新执行。
func (o *Orchestrator) onCancelled(e *events.Event) error {
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return err
	}
	o.mu.Lock()
	r, local := o.runs[payload.ID]
	o.mu.Unlock()
	if !local {
		return nil
	}
	task, err := o.store.GetTask(o.ctx, payload.ID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusCancelled {
		r.stop(msgCancelled)
	}
	return nil
}

// sharedCapacity 返回跨实例共享的容量账本，未共享时返回 nil。
func (o *Orchestrator) sharedCapacity() *SharedCapacity {
	sc, _ := o.capacity.(*SharedCapacity)
	return sc
}

// GetTask 查询任务。
func (o *Orchestrator) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks 按创建时间倒序分页查询任务。
func (o *Orchestrator) ListTasks(ctx context.Context, f domain.TaskFilter) (domain.Page[*domain.Task], error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.Page[*domain.Task]{}, domain.ValidationError("status", "unknown status")
	}
	f.Page = f.Page.Normalize(domain.DefaultPageSize, domain.MaxPageSize)
	return o.store.ListTasks(ctx, f)
}

// DeleteTask 删除非运行中的任务，同时移出准入队列。
// 本实例仍在收尾的执行会使删除返回 ErrTaskRunning。
func (o *Orchestrator) DeleteTask(ctx context.Context, id int64) error {
	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	_, winding := o.runs[id]
	o.mu.Unlock()
	// 已取消但执行仍在宽限期内收尾的任务同样不能删除
	if task.Status == domain.TaskStatusRunning || winding {
		return domain.ErrTaskRunning
	}
	if o.admission.remove(id) {
		o.queueChanged()
	}
	if err := o.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	o.logger.WithField("task_id", id).Info("Task deleted")
	return nil
}

// DiscardPending 取消申请时清理其任务。
// 按 ID 升序持有申请下全部任务的锁，确认都未启动后调用 commit，再删除这些任务。
// 有任务已启动或仍在收尾时返回 ErrApplicationNotCancellable，commit 不会被调用；
// commit 失败时任务保持不变。返回删除的任务数。
func (o *Orchestrator) DiscardPending(ctx context.Context, applyID int64, commit func() error) (int, error) {
	page, err := o.store.ListTasks(ctx, domain.TaskFilter{ApplyID: &applyID})
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(page.Items))
	for _, t := range page.Items {
		ids = append(ids, t.ID)
	}
	slices.Sort(ids)

	var unlocks []func()
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for _, id := range ids {
		unlock, err := o.locker.Lock(ctx, taskLockKey(id))
		if err != nil {
			return 0, err
		}
		unlocks = append(unlocks, unlock)
	}

	// 加锁后重新读取，列表可能已过期
	live := ids[:0]
	for _, id := range ids {
		task, err := o.store.GetTask(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		o.mu.Lock()
		_, winding := o.runs[id]
		o.mu.Unlock()
		if task.Status != domain.TaskStatusPending || winding {
			return 0, domain.ErrApplicationNotCancellable
		}
		live = append(live, id)
	}

	if err := commit(); err != nil {
		return 0, err
	}

	// 申请已不再是 approved，删除失败的任务也无法再启动
	removed := 0
	for _, id := range live {
		if o.admission.remove(id) {
			o.queueChanged()
		}
		if err := o.store.DeleteTask(ctx, id); err != nil {
			o.logger.WithError(err).WithField("task_id", id).Warn("Failed to remove task of cancelled application")
			continue
		}
		removed++
	}
	return removed, nil
}

// Running 返回本实例正在执行的任务数。
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// QueueLength 返回准入队列长度。
func (o *Orchestrator) QueueLength() int {
	return o.admission.len()
}

// admitQueued 在容量释放后按 FIFO 顺序准入等待中的任务。
func (o *Orchestrator) admitQueued(ctx context.Context) {
	for {
		id, ok := o.admission.peek()
		if !ok {
			return
		}
		if retry := o.admit(ctx, id); retry {
			return
		}
		o.admission.remove(id)
		o.queueChanged()
	}
}

// admit 尝试准入队首任务，容量仍不足时返回 true，任务留在队首。
// 已删除或状态已变化的任务直接出队。
func (o *Orchestrator) admit(ctx context.Context, id int64) (retry bool) {
	unlock, err := o.locker.Lock(ctx, taskLockKey(id))
	if err != nil {
		return true
	}
	defer unlock()

	logger := o.logger.WithField("task_id", id)
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.WithError(err).Warn("Failed to load queued task")
		}
		return false
	}
	if task.Status != domain.TaskStatusPending {
		return false
	}
	ok, err := o.capacity.Reserve(ctx, id, task.Concurrency)
	if err != nil {
		logger.WithError(err).Warn("Failed to reserve capacity for queued task")
		return true
	}
	if !ok {
		return true
	}
	if err := o.launch(ctx, task); err != nil {
		logger.WithError(err).Warn("Failed to launch queued task")
		o.releaseCapacity(id)
		return false
	}
	logger.Info("Queued task admitted")
	return false
}

func (o *Orchestrator) releaseCapacity(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.capacity.Release(ctx, id); err != nil {
		o.logger.WithError(err).WithField("task_id", id).Warn("Failed to release capacity")
	}
	if o.recorder != nil {
		if tasks, clients, err := o.capacity.Usage(ctx); err == nil {
			o.recorder.CapacityChanged(tasks, clients)
		}
	}
}

func (o *Orchestrator) queueChanged() {
	if o.recorder != nil {
		o.recorder.AdmissionQueueChanged(o.admission.len())
	}
}

func (o *Orchestrator) transitioned(ctx context.Context, task *domain.Task, eventType string) {
	if o.recorder != nil {
		o.recorder.TaskTransitioned(task.Status)
		if task.Status == domain.TaskStatusRunning {
			if tasks, clients, err := o.capacity.Usage(ctx); err == nil {
				o.recorder.CapacityChanged(tasks, clients)
			}
		}
	}
	o.events.Emit(ctx, eventType, eventSource, task)
}
