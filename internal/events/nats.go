// Package events 提供平台事件总线。
// 当前实现基于 NATS JetStream，用于发布/订阅申请、任务与报告相关事件，
// 供外部系统（通知、审计）异步消费。
package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// 事件类型，同时作为 NATS subject
const (
	TypeApplySubmitted = "apply.submitted"
	TypeApplyAudited   = "apply.audited"
	TypeApplyCancelled = "apply.cancelled"

	TypeTaskCreated   = "task.created"
	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskCancelled = "task.cancelled"
	TypeTaskRetried   = "task.retried"

	TypeReportCompleted = "report.completed"
	TypeReportFailed    = "report.failed"
)

// Publisher 是各服务依赖的事件发布接口。
// 发布失败只记录日志，不影响业务操作的结果。
type Publisher interface {
	Emit(ctx context.Context, eventType, source string, payload any)
}

// Nop 丢弃所有事件，未配置 NATS 时使用。
type Nop struct{}

// Emit 实现 Publisher。
func (Nop) Emit(context.Context, string, string, any) {}

// Event 表示平台内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// Listener 让每个网关实例都收到匹配 subject 的事件，用于实例间协调。
// 与 durable 订阅不同，事件不在实例之间分摊。
type Listener interface {
	Listen(ctx context.Context, subject string, handler EventHandler) error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEvent 构造事件信封，ID 为单调递增的 ULID。
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now().UTC()
	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id.String(),
		Type:      eventType,
		Source:    source,
		Subject:   eventType,
		Data:      data,
		Timestamp: now,
	}, nil
}

// Streams 是需要在 JetStream 中存在的 Stream 配置。
func Streams() []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:     "APPLY_EVENTS",
			Subjects: []string{"apply.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7, // 保留 7 天
		},
		{
			Name:     "TASK_EVENTS",
			Subjects: []string{"task.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7,
		},
		{
			Name:     "REPORT_EVENTS",
			Subjects: []string{"report.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 30,
		},
	}
}

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("surge-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 不存在则创建，存在则尝试更新配置
	for _, cfg := range Streams() {
		cfg := cfg
		_, err := js.AddStream(&cfg)
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			if _, uerr := js.UpdateStream(&cfg); uerr != nil {
				logger.WithError(uerr).WithField("stream", cfg.Name).Warn("Failed to ensure stream")
			}
		}
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Connected 报告连接状态，用于就绪检查。
func (eb *EventBus) Connected() bool {
	return eb.conn.IsConnected()
}

// Publish 发布事件到其 subject。
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = eb.js.Publish(event.Subject, data, nats.Context(ctx), nats.MsgId(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  event.Subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")

	return nil
}

// Emit 实现 Publisher。
func (eb *EventBus) Emit(ctx context.Context, eventType, source string, payload any) {
	event, err := NewEvent(eventType, source, payload)
	if err == nil {
		err = eb.Publish(ctx, event)
	}
	if err != nil {
		eb.logger.WithError(err).WithField("type", eventType).Warn("Failed to emit event")
	}
}

var _ Listener = (*EventBus)(nil)

// Listen 以普通 NATS 订阅接收事件，每个实例各收一份，不确认也不重投。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Listen(ctx context.Context, subject string, handler EventHandler) error {
	sub, err := eb.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).WithField("subject", msg.Subject).Warn("Failed to unmarshal event")
			return
		}
		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to handle event")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
