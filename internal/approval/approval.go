package approval

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

// PendingApproval 记录一笔 APPROVAL 档交易的待审批状态，与交易一一对应。
// ApprovedAt/RejectedAt/ExpiredAt 三者至多其一非零。
type PendingApproval struct {
	ID             string `json:"id"`
	TxID           string `json:"tx_id"`
	WalletID       string `json:"wallet_id"`
	RequiredBy     string `json:"required_by,omitempty"`
	ExpiresAt      int64  `json:"expires_at"`
	ApprovedAt     int64  `json:"approved_at,omitempty"`
	RejectedAt     int64  `json:"rejected_at,omitempty"`
	ExpiredAt      int64  `json:"expired_at,omitempty"`
	OwnerSignature string `json:"owner_signature,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Open 判断审批是否仍处于待决状态。
func (p *PendingApproval) Open() bool {
	return p.ApprovedAt == 0 && p.RejectedAt == 0 && p.ExpiredAt == 0
}

var (
	// ErrApprovalNotFound 表示指定交易没有待审批记录。
	ErrApprovalNotFound = xerrors.New(xerrors.CodeNotFound, "pending approval not found")
	// ErrApprovalConflict 表示审批记录已存在或已被裁决。
	ErrApprovalConflict = xerrors.New(xerrors.CodeConflict, "pending approval conflict")
	// ErrApprovalExpired 表示审批已过期。
	ErrApprovalExpired = xerrors.New(xerrors.CodeApprovalExpired, "pending approval expired")
)

// Store 抽象了待审批记录的持久化接口。
// MarkApproved/MarkRejected 仅对仍待决的记录生效，否则返回 ErrApprovalConflict。
type Store interface {
	Create(ctx context.Context, p *PendingApproval) error
	GetByTx(ctx context.Context, txID string) (*PendingApproval, error)
	MarkApproved(ctx context.Context, txID, ownerSignature string, at int64) error
	MarkRejected(ctx context.Context, txID string, at int64) error
	// ClaimExpired 把所有已过期且仍待决的审批标记为过期并返回，
	// 并发扫描不会重复取到同一条记录。
	ClaimExpired(ctx context.Context, now int64) ([]*PendingApproval, error)
	Close() error
}
