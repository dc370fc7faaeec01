package delay

import (
	"context"
	"log/slog"
	"time"

	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/pkg/logger"
)

// Dispatch 把到期的交易交给恢复通道（通常是唤醒队列的生产者）。
type Dispatch func(ctx context.Context, item transaction.Resumable) error

// Sweeper 周期性扫描延迟队列，把到期交易派发出去。
// 派发失败只记录日志，不能让扫描循环崩溃。
type Sweeper struct {
	queue    *Queue
	dispatch Dispatch
	interval time.Duration
}

// NewSweeper 创建扫描器。
func NewSweeper(queue *Queue, dispatch Dispatch, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{queue: queue, dispatch: dispatch, interval: interval}
}

// Run 阻塞运行直到 ctx 取消。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := logger.Named("delay")
	log.Info("延迟扫描器启动", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("延迟扫描器退出")
			return
		case <-ticker.C:
			s.sweepOnce(ctx, log)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, log *slog.Logger) {
	claimed, err := s.queue.ProcessExpired(ctx, time.Now().Unix())
	if err != nil {
		log.Warn("扫描到期交易失败", "error", err)
		return
	}
	for _, item := range claimed {
		if err := s.dispatch(ctx, item); err != nil {
			log.Warn("派发到期交易失败", "tx_id", item.TxID, "error", err)
		}
	}
}
