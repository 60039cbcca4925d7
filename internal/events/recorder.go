package events

import (
	"context"
	"sync"
)

// Recorder 在内存中记录事件，供测试断言和调试使用。
// 通过 Listen 注册的处理器在 Emit 时同步收到事件，可模拟多个实例共享的总线。
type Recorder struct {
	mu        sync.Mutex
	events    []*Event
	listeners map[string][]EventHandler
}

var _ Listener = (*Recorder)(nil)

// Emit 实现 Publisher。
func (r *Recorder) Emit(ctx context.Context, eventType, source string, payload any) {
	event, err := NewEvent(eventType, source, payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	handlers := append([]EventHandler(nil), r.listeners[event.Subject]...)
	r.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Listen 实现 Listener，ctx 取消后不再收到事件。
func (r *Recorder) Listen(ctx context.Context, subject string, handler EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[string][]EventHandler)
	}
	r.listeners[subject] = append(r.listeners[subject], func(e *Event) error {
		if ctx.Err() != nil {
			return nil
		}
		return handler(e)
	})
	return nil
}

// Types 返回已记录事件的类型序列。
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}
