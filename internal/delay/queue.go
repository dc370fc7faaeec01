package delay

import (
	"context"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/pkg/logger"
)

// TransactionStore 是延迟队列对交易存储的最小依赖。
type TransactionStore interface {
	MarkDelayQueued(ctx context.Context, txID string, delaySeconds, queuedAt int64) error
	ClaimExpiredDelays(ctx context.Context, now int64) ([]transaction.Resumable, error)
}

// Queue 为 DELAY 档交易提供持久化的「睡 N 秒后唤醒」能力。
// 到期时间记录为 queued_at + delay_seconds，重启后依然有效。
type Queue struct {
	txs TransactionStore
}

// NewQueue 创建延迟队列。
func NewQueue(txs TransactionStore) (*Queue, error) {
	if txs == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易存储不能为空")
	}
	return &Queue{txs: txs}, nil
}

// QueueDelay 把交易置为 QUEUED 并记录延迟参数。
func (q *Queue) QueueDelay(ctx context.Context, txID, walletID string, delaySeconds int64) error {
	if delaySeconds <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "延迟秒数必须为正")
	}
	queuedAt := time.Now().Unix()
	if err := q.txs.MarkDelayQueued(ctx, txID, delaySeconds, queuedAt); err != nil {
		return err
	}
	logger.Named("delay").Info("交易进入延迟队列",
		"tx_id", txID, "wallet_id", walletID, "delay_seconds", delaySeconds, "queued_at", queuedAt)
	return nil
}

// ProcessExpired 找出已到期的 QUEUED 交易并原子地翻转为 EXECUTING。
// 翻转即声明执行权，并发的定时扫描不会把同一笔交易取出两次，
// 因此可以安全地由不加同步的周期定时器调用。
func (q *Queue) ProcessExpired(ctx context.Context, now int64) ([]transaction.Resumable, error) {
	claimed, err := q.txs.ClaimExpiredDelays(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		logger.Named("delay").Info("延迟交易到期", "count", len(claimed))
	}
	return claimed, nil
}
