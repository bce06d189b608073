package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType 枚举任务生命周期事件。
type EventType string

const (
	EventTaskCreated  EventType = "task_created"
	EventBidPlaced    EventType = "bid_placed"
	EventTaskAssigned EventType = "task_assigned"
	EventTaskSettled  EventType = "task_settled"
)

// Event 是广播给智能体运行时与赞助方进程的任务通知。
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TaskID     int64     `json:"task_id"`
	Sponsor    string    `json:"sponsor,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	State      string    `json:"state,omitempty"`
	OccurredAt int64     `json:"occurred_at"`
}

// NewEvent 构造带唯一 ID 与时间戳的事件。
func NewEvent(eventType EventType, taskID int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TaskID:     taskID,
		OccurredAt: time.Now().Unix(),
	}
}

// Handler 处理来自队列的事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
