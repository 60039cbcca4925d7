package orchestrator

import (
	"context"
	"sync"

	"github.com/oriys/surge/internal/domain"
)

// CapacityManager 管理全局执行容量：同时运行的任务数和并发客户端总数。
// Reserve 与 Release 对同一任务 ID 都是幂等的。
type CapacityManager interface {
	Reserve(ctx context.Context, taskID int64, clients int) (bool, error)
	Release(ctx context.Context, taskID int64) error
	Usage(ctx context.Context) (tasks, clients int, err error)
}

// LocalCapacity 是进程内的容量账本。
type LocalCapacity struct {
	maxTasks   int
	maxClients int

	mu      sync.Mutex
	ledger  map[int64]int
	clients int
}

// NewLocalCapacity 创建进程内容量账本。
func NewLocalCapacity(maxTasks, maxClients int) *LocalCapacity {
	return &LocalCapacity{
		maxTasks:   maxTasks,
		maxClients: maxClients,
		ledger:     make(map[int64]int),
	}
}

// Reserve 预留容量，超过任一上限时返回 false。
func (c *LocalCapacity) Reserve(ctx context.Context, taskID int64, clients int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ledger[taskID]; ok {
		return true, nil
	}
	if len(c.ledger) >= c.maxTasks || c.clients+clients > c.maxClients {
		return false, nil
	}
	c.ledger[taskID] = clients
	c.clients += clients
	return true, nil
}

// Release 释放任务占用的容量。
func (c *LocalCapacity) Release(ctx context.Context, taskID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.ledger[taskID]; ok {
		c.clients -= n
		delete(c.ledger, taskID)
	}
	return nil
}

// Usage 返回当前占用。
func (c *LocalCapacity) Usage(ctx context.Context) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ledger), c.clients, nil
}

// CapacityStore 是共享容量账本的存储，由 storage.RedisStore 实现。
type CapacityStore interface {
	ReserveCapacity(ctx context.Context, taskID int64, clients, maxTasks, maxClients int) (bool, error)
	ReleaseCapacity(ctx context.Context, taskID int64) error
	CapacityUsage(ctx context.Context) (tasks, clients int, err error)
	CapacityHolders(ctx context.Context) ([]int64, error)
}

// SharedCapacity 是多实例共享的容量账本。
type SharedCapacity struct {
	store      CapacityStore
	maxTasks   int
	maxClients int
}

// NewSharedCapacity 创建共享容量账本。
func NewSharedCapacity(store CapacityStore, maxTasks, maxClients int) *SharedCapacity {
	return &SharedCapacity{store: store, maxTasks: maxTasks, maxClients: maxClients}
}

// Reserve 原子地检查上限并登记。
func (c *SharedCapacity) Reserve(ctx context.Context, taskID int64, clients int) (bool, error) {
	return c.store.ReserveCapacity(ctx, taskID, clients, c.maxTasks, c.maxClients)
}

// Release 释放任务占用的容量。
func (c *SharedCapacity) Release(ctx context.Context, taskID int64) error {
	return c.store.ReleaseCapacity(ctx, taskID)
}

// Usage 返回当前占用。
func (c *SharedCapacity) Usage(ctx context.Context) (int, int, error) {
	return c.store.CapacityUsage(ctx)
}

// Holders 返回当前登记了容量的任务 ID。
func (c *SharedCapacity) Holders(ctx context.Context) ([]int64, error) {
	return c.store.CapacityHolders(ctx)
}

// admissionQueue 是等待容量的任务 FIFO 队列。
type admissionQueue struct {
	mu    sync.Mutex
	max   int
	items []int64
}

func newAdmissionQueue(max int) *admissionQueue {
	return &admissionQueue{max: max}
}

// push 追加到队尾，已在队列中时返回 true 且不重复追加。
func (q *admissionQueue) push(id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range q.items {
		if v == id {
			return true, nil
		}
	}
	if len(q.items) >= q.max {
		return false, domain.ErrAdmissionQueueFull
	}
	q.items = append(q.items, id)
	return false, nil
}

// peek 返回队首任务但不出队。
func (q *admissionQueue) peek() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0], true
}

func (q *admissionQueue) remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.items {
		if v == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *admissionQueue) contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range q.items {
		if v == id {
			return true
		}
	}
	return false
}

func (q *admissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
