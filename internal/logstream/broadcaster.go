package logstream

import (
	"sync"

	"github.com/oriys/surge/internal/domain"
)

// subscriber 是一个订阅者的接收端。
// kick 在推送被丢弃时置位，通知订阅者从存储中补齐。
type subscriber struct {
	ch   chan *domain.LogEntry
	kick chan struct{}
}

// Broadcaster 按任务分组的日志广播器。
// 发送是非阻塞的：订阅者缓冲区满时丢弃该条并置位 kick，由订阅者自行补齐，
// 因此慢订阅者不会阻塞日志写入方。
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int64]map[*subscriber]struct{}
}

// NewBroadcaster 创建广播器。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int64]map[*subscriber]struct{})}
}

// subscribe 订阅任务日志。
func (b *Broadcaster) subscribe(taskID int64, buffer int) *subscriber {
	s := &subscriber{
		ch:   make(chan *domain.LogEntry, buffer),
		kick: make(chan struct{}, 1),
	}
	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[taskID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// unsubscribe 取消订阅。
func (b *Broadcaster) unsubscribe(taskID int64, s *subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[taskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
	b.mu.Unlock()
}

// Broadcast 向任务的所有订阅者推送日志。
func (b *Broadcaster) Broadcast(e *domain.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[e.TaskID] {
		select {
		case s.ch <- e:
		default:
			select {
			case s.kick <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers 返回任务当前的订阅者数量。
func (b *Broadcaster) Subscribers(taskID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

// Total 返回所有任务的订阅者总数。
func (b *Broadcaster) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
