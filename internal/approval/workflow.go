package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/pkg/logger"
)

// TransactionStore 是审批流程对交易存储的最小依赖。
type TransactionStore interface {
	MarkApprovalQueued(ctx context.Context, txID string) error
	MarkExecuting(ctx context.Context, txID string) error
	MarkCancelled(ctx context.Context, txID, reason string) error
	MarkExpired(ctx context.Context, txID, reason string) error
}

// Workflow 管理 APPROVAL 档交易的待审批生命周期。
type Workflow struct {
	approvals Store
	txs       TransactionStore
}

// NewWorkflow 创建审批流程。
func NewWorkflow(approvals Store, txs TransactionStore) (*Workflow, error) {
	if approvals == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批存储不能为空")
	}
	if txs == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易存储不能为空")
	}
	return &Workflow{approvals: approvals, txs: txs}, nil
}

// RequestApproval 把交易置为 QUEUED 并插入待审批记录。
func (w *Workflow) RequestApproval(ctx context.Context, txID, walletID, requiredBy string, timeoutSeconds int64) (*PendingApproval, error) {
	if timeoutSeconds <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批超时秒数必须为正")
	}
	if err := w.txs.MarkApprovalQueued(ctx, txID); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	pending := &PendingApproval{
		ID:         uuid.NewString(),
		TxID:       txID,
		WalletID:   walletID,
		RequiredBy: requiredBy,
		ExpiresAt:  now + timeoutSeconds,
		CreatedAt:  now,
	}
	if err := w.approvals.Create(ctx, pending); err != nil {
		return nil, err
	}

	logger.Audit().Info("交易等待审批",
		"tx_id", txID, "wallet_id", walletID, "expires_at", pending.ExpiresAt)
	return pending, nil
}

// Approve 批准待审批交易并把交易翻转为 EXECUTING，调用方负责恢复执行。
// 已过期的审批不可批准。
func (w *Workflow) Approve(ctx context.Context, txID, ownerSignature string) error {
	pending, err := w.approvals.GetByTx(ctx, txID)
	if err != nil {
		return err
	}
	if !pending.Open() {
		if pending.ExpiredAt != 0 {
			return ErrApprovalExpired
		}
		return ErrApprovalConflict
	}

	now := time.Now().Unix()
	if pending.ExpiresAt <= now {
		return ErrApprovalExpired
	}
	if err := w.approvals.MarkApproved(ctx, txID, ownerSignature, now); err != nil {
		return err
	}
	if err := w.txs.MarkExecuting(ctx, txID); err != nil {
		return err
	}

	logger.Audit().Info("审批通过", "tx_id", txID, "wallet_id", pending.WalletID)
	return nil
}

// Reject 拒绝待审批交易并把交易置为 CANCELLED。
func (w *Workflow) Reject(ctx context.Context, txID string) error {
	pending, err := w.approvals.GetByTx(ctx, txID)
	if err != nil {
		return err
	}
	if !pending.Open() {
		return ErrApprovalConflict
	}

	if err := w.approvals.MarkRejected(ctx, txID, time.Now().Unix()); err != nil {
		return err
	}
	if err := w.txs.MarkCancelled(ctx, txID, "审批被所有者拒绝"); err != nil {
		return err
	}

	logger.Audit().Info("审批拒绝", "tx_id", txID, "wallet_id", pending.WalletID)
	return nil
}

// ExpireOverdue 把过期的待审批交易移入 EXPIRED，返回处理数量。
// 无需显式 reject 调用，由周期扫描驱动。
func (w *Workflow) ExpireOverdue(ctx context.Context, now int64) (int, error) {
	claimed, err := w.approvals.ClaimExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, pending := range claimed {
		if err := w.txs.MarkExpired(ctx, pending.TxID, "审批超时未处理"); err != nil {
			logger.Named("approval").Warn("标记审批超时失败", "tx_id", pending.TxID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		logger.Audit().Info("审批超时处理完成", "count", expired)
	}
	return expired, nil
}
