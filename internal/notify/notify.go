// Package notify 负责把钱包事件广播到已配置的通知渠道。
// 通知永远是尽力而为：任何渠道失败都不能阻塞交易管线。
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AgentVault-Chain/pkg/logger"
)

// EventType 是通知事件的类型。
type EventType string

const (
	EventTxQueued            EventType = "TX_QUEUED"
	EventTxNotify            EventType = "TX_NOTIFY"
	EventTxConfirmed         EventType = "TX_CONFIRMED"
	EventTxFailed            EventType = "TX_FAILED"
	EventApprovalRequested   EventType = "APPROVAL_REQUESTED"
	EventKillSwitchActivated EventType = "KILL_SWITCH_ACTIVATED"
)

// Event 描述一次需要通知所有者的事件。
type Event struct {
	Type       EventType      `json:"type"`
	WalletID   string         `json:"wallet_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Channel 表示通知渠道。
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event)
}

// FanoutDispatcher 把事件投递到全部注册渠道，渠道失败只记录不上抛。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 实现 Dispatcher 接口。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		logger.Named("notify").Warn("部分通知渠道发送失败",
			"event", string(event.Type), "wallet_id", event.WalletID, "error", errors.Join(errs...))
	}
}

var _ Dispatcher = (*FanoutDispatcher)(nil)
