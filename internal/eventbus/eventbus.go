// Package eventbus 提供可选的事件广播出口。
// 事件发布是纯粹的尽力而为：失败只记录日志，绝不影响调用方。
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Event 是发布到总线上的一条事件。
type Event struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// Bus 是事件总线的抽象。
type Bus interface {
	Emit(ctx context.Context, topic string, payload map[string]any)
	Close() error
}

// MemoryBus 把事件记录在内存里，用于测试与单机部署。
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryBus 创建 MemoryBus。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Emit 实现 Bus 接口。
func (b *MemoryBus) Emit(_ context.Context, topic string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Event{Topic: topic, Payload: payload, OccurredAt: time.Now().Unix()})
}

// Events 返回已记录事件的副本。
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	cloned := make([]Event, len(b.events))
	copy(cloned, b.events)
	return cloned
}

// Close 对内存总线无需操作。
func (b *MemoryBus) Close() error { return nil }

var _ Bus = (*MemoryBus)(nil)
