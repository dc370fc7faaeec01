// Package resume 负责被搁置交易的唤醒通道。
// 延迟到期与审批通过的交易 ID 经由队列投递，由消费端重新送回执行阶段。
package resume

import (
	"context"
)

// Handler 处理一条待恢复的交易 ID。
type Handler func(ctx context.Context, txID string) error

// Producer 负责向队列投递待恢复交易。
type Producer interface {
	Publish(ctx context.Context, txID string) error
	Close() error
}

// Consumer 负责从队列中消费待恢复交易。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
