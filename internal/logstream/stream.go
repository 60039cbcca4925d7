// Package logstream 实现任务执行日志流。
//
// 日志只追加，同一任务内的 Seq 在任务级互斥锁下分配，保证单调且稳定。
// 写入先落库再广播；读取既支持 skip/limit 拉取，也支持按 Seq 续传的推送订阅。
// 任务进入终态后只允许写入一条终态标记日志，之后所有写入都会被拒绝，
// 直到任务被重试并重新打开日志流。
package logstream

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

// 读取分页参数
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
	// subscriberBuffer 是每个订阅者的推送缓冲区大小
	subscriberBuffer = 64
	// defaultPollInterval 是订阅者从存储补齐的周期，覆盖其他实例写入的日志
	defaultPollInterval = 2 * time.Second
)

// Repository 是日志流依赖的存储。
type Repository interface {
	domain.LogRepository
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
}

// taskState 缓存任务日志流的写入状态。
type taskState struct {
	mu      sync.Mutex
	loaded  bool
	lastSeq int64
	closed  bool
}

// Stream 是任务日志流服务。
type Stream struct {
	repo   Repository
	hub    *Broadcaster
	logger *logrus.Logger
	poll   time.Duration

	mu     sync.Mutex
	states map[int64]*taskState
}

// NewStream 创建日志流服务。
func NewStream(repo Repository, logger *logrus.Logger) *Stream {
	return &Stream{
		repo:   repo,
		hub:    NewBroadcaster(),
		logger: logger,
		poll:   defaultPollInterval,
		states: make(map[int64]*taskState),
	}
}

// SetPollInterval 设置订阅者从存储补齐的周期，<=0 时不变。
// 多实例部署时广播器只覆盖本进程，其他实例写入的日志靠周期补齐送达。
func (s *Stream) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// Broadcaster 返回内部广播器。
func (s *Stream) Broadcaster() *Broadcaster {
	return s.hub
}

func (s *Stream) state(taskID int64) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[taskID]
	if !ok {
		st = &taskState{}
		s.states[taskID] = st
	}
	return st
}

// forget 释放已关闭日志流的缓存状态，之后按需从存储重建。
func (s *Stream) forget(taskID int64, st *taskState) {
	s.mu.Lock()
	if s.states[taskID] == st {
		delete(s.states, taskID)
	}
	s.mu.Unlock()
}

// load 从存储恢复最后的 Seq 和关闭状态，调用方持有 st.mu。
func (s *Stream) load(ctx context.Context, taskID int64, st *taskState) error {
	if st.loaded {
		return nil
	}
	last, err := s.repo.LastLog(ctx, taskID)
	if err != nil {
		return err
	}
	if last != nil {
		st.lastSeq = last.Seq
		st.closed = last.Terminal
	}
	st.loaded = true
	return nil
}

// Append 追加一条日志。
// 任务不存在返回 ErrTaskNotFound；任务不在运行中返回 ErrTaskNotAcceptingLogs；
// 已写入终态标记返回 ErrLogStreamClosed。
func (s *Stream) Append(ctx context.Context, taskID int64, level domain.LogLevel, message string) (*domain.LogEntry, error) {
	if !level.Valid() {
		return nil, domain.ValidationError("level", "must be debug, info, warning or error")
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusRunning {
		return nil, domain.ErrTaskNotAcceptingLogs
	}
	return s.append(ctx, taskID, level, message, false)
}

// AppendTerminal 写入终态标记日志，任务必须已处于终态。
// 终态标记每轮执行只能写入一次。
func (s *Stream) AppendTerminal(ctx context.Context, taskID int64, level domain.LogLevel, message string) (*domain.LogEntry, error) {
	if !level.Valid() {
		return nil, domain.ValidationError("level", "must be debug, info, warning or error")
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		return nil, domain.ErrTaskNotTerminated
	}
	return s.append(ctx, taskID, level, message, true)
}

// Reopen 在任务重试后重新打开日志流，并写入一条说明日志。
// 只对已写入终态标记且已回到 pending 的任务有效；日志流未关闭时直接追加说明。
func (s *Stream) Reopen(ctx context.Context, taskID int64, message string) (*domain.LogEntry, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusPending {
		return nil, domain.ErrTaskNotPending
	}

	st := s.state(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.load(ctx, taskID, st); err != nil {
		return nil, err
	}
	st.closed = false
	return s.write(ctx, taskID, st, domain.LogLevelInfo, message, false)
}

func (s *Stream) append(ctx context.Context, taskID int64, level domain.LogLevel, message string, terminal bool) (*domain.LogEntry, error) {
	st := s.state(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(ctx, taskID, st); err != nil {
		return nil, err
	}
	if st.closed {
		return nil, domain.ErrLogStreamClosed
	}
	e, err := s.write(ctx, taskID, st, level, message, terminal)
	if err != nil {
		return nil, err
	}
	if terminal {
		st.closed = true
		s.forget(taskID, st)
	}
	return e, nil
}

// write 分配 Seq、落库并广播，调用方持有 st.mu。
func (s *Stream) write(ctx context.Context, taskID int64, st *taskState, level domain.LogLevel, message string, terminal bool) (*domain.LogEntry, error) {
	e := &domain.LogEntry{
		TaskID:    taskID,
		Seq:       st.lastSeq + 1,
		Level:     level,
		Message:   message,
		Terminal:  terminal,
		CreatedAt: time.Now(),
	}
	if err := s.repo.AppendLog(ctx, e); err != nil {
		// 其他实例可能已写入同一 Seq，下次写入前重新加载
		st.loaded = false
		return nil, err
	}
	st.lastSeq = e.Seq
	s.hub.Broadcast(e)
	return e, nil
}

// Read 按时间顺序分页读取日志。
// 参数:
//   - ctx: 上下文
//   - taskID: 任务 ID
//   - skip: 跳过的条数，不能为负
//   - limit: 返回条数，<=0 时取默认值 100，最大 1000
//
// 返回:
//   - *domain.LogPage: 本页日志和日志总数
//   - error: 任务不存在返回 ErrTaskNotFound
func (s *Stream) Read(ctx context.Context, taskID int64, skip, limit int) (*domain.LogPage, error) {
	if skip < 0 {
		return nil, domain.ValidationError("skip", "must not be negative")
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	logs, total, err := s.repo.ListLogs(ctx, taskID, skip, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*domain.LogEntry{}
	}
	return &domain.LogPage{Logs: logs, Total: total}, nil
}

// Subscribe 订阅任务日志，先回放 Seq 大于 afterSeq 的已存日志，再推送新日志。
// 推送顺序与 Seq 一致，不会重复也不会遗漏；收到最新一轮执行的终态标记或 ctx 结束后通道关闭。
// 重试前的终态标记照常推送，但不会结束订阅。
func (s *Stream) Subscribe(ctx context.Context, taskID, afterSeq int64) (<-chan *domain.LogEntry, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	// 先注册再回放，避免两者之间写入的日志丢失
	sub := s.hub.subscribe(taskID, subscriberBuffer)
	out := make(chan *domain.LogEntry)

	go func() {
		defer close(out)
		defer s.hub.unsubscribe(taskID, sub)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		f := follower{ctx: ctx, stream: s, taskID: taskID, lastSeq: afterSeq, out: out}
		if done := f.backfill(); done {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if done := f.backfill(); done {
					return
				}
			case <-sub.kick:
				if done := f.backfill(); done {
					return
				}
			case e := <-sub.ch:
				if e.Seq <= f.lastSeq {
					continue
				}
				if e.Seq > f.lastSeq+1 {
					// 缓冲区溢出导致的缺口，从存储补齐
					if done := f.backfill(); done {
						return
					}
					if e.Seq <= f.lastSeq {
						continue
					}
				}
				if done := f.emit(e); done {
					return
				}
			}
		}
	}()
	return out, nil
}

// follower 跟踪单个订阅者已发送的位置。
type follower struct {
	ctx     context.Context
	stream  *Stream
	taskID  int64
	lastSeq int64
	out     chan<- *domain.LogEntry
}

// backfill 从存储读取 lastSeq 之后的日志并发送，返回是否应结束订阅。
func (f *follower) backfill() bool {
	entries, err := f.stream.repo.ListLogsAfter(f.ctx, f.taskID, f.lastSeq, 0)
	if err != nil {
		if f.ctx.Err() == nil {
			f.stream.logger.WithError(err).WithField("task_id", f.taskID).Warn("Log backfill failed")
		}
		return f.ctx.Err() != nil
	}
	for _, e := range entries {
		if done := f.emit(e); done {
			return true
		}
	}
	return false
}

// emit 发送一条日志，返回是否应结束订阅。
func (f *follower) emit(e *domain.LogEntry) bool {
	select {
	case f.out <- e:
	case <-f.ctx.Done():
		return true
	}
	f.lastSeq = e.Seq
	return e.Terminal && f.latest(e)
}

// latest 判断终态标记是否仍是任务的最后一条日志。
// 任务重试后旧标记之后还有新日志，订阅继续。
func (f *follower) latest(e *domain.LogEntry) bool {
	last, err := f.stream.repo.LastLog(f.ctx, f.taskID)
	if err != nil {
		return true
	}
	return last == nil || last.Seq <= e.Seq
}
