package resume

import (
	"context"
	"fmt"

	"AgentVault-Chain/pkg/logger"
)

// Target 是恢复消息的最终去向，由交易管线实现。
type Target interface {
	Resume(ctx context.Context, txID string) error
}

// Resumer 消费恢复队列并把交易重新送回执行阶段。
// 单条交易的恢复失败只记录日志，消费循环本身永不退出。
type Resumer struct {
	queue   Consumer
	target  Target
	workers int
}

// NewResumer 创建 Resumer。
func NewResumer(queue Consumer, target Target, workers int) *Resumer {
	if workers <= 0 {
		workers = 4
	}
	return &Resumer{queue: queue, target: target, workers: workers}
}

// Run 阻塞消费，直到 ctx 取消。
func (r *Resumer) Run(ctx context.Context) error {
	log := logger.Named("resumer")
	log.Info("恢复消费端启动", "workers", r.workers)
	return r.queue.Consume(ctx, r.workers, func(ctx context.Context, txID string) error {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("恢复交易时发生 panic", "tx_id", txID, "panic", fmt.Sprint(rec))
			}
		}()
		if err := r.target.Resume(ctx, txID); err != nil {
			log.Warn("恢复交易失败", "tx_id", txID, "error", err)
		}
		return nil
	})
}
