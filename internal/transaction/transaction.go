package transaction

import (
	"context"
	"math/big"

	xerrors "AgentVault-Chain/internal/errors"
)

// Status 表示交易在生命周期中的状态。
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusQueued         Status = "QUEUED"
	StatusExecuting      Status = "EXECUTING"
	StatusSubmitted      Status = "SUBMITTED"
	StatusConfirmed      Status = "CONFIRMED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusExpired        Status = "EXPIRED"
	StatusPartialFailure Status = "PARTIAL_FAILURE"
	StatusSigned         Status = "SIGNED"
)

// Type 表示交易的业务类型。
type Type string

const (
	TypeTransfer      Type = "TRANSFER"
	TypeTokenTransfer Type = "TOKEN_TRANSFER"
	TypeContractCall  Type = "CONTRACT_CALL"
	TypeApprove       Type = "APPROVE"
	TypeBatch         Type = "BATCH"
	TypeSign          Type = "SIGN"
	TypeX402Payment   Type = "X402_PAYMENT"
)

// OutstandingStatuses 列出参与预留额度累加的非终态集合。
// SIGNED 也计入在内：已签名但尚未广播的交易仍占用额度。
var OutstandingStatuses = []Status{
	StatusPending, StatusQueued, StatusExecuting, StatusSubmitted, StatusSigned,
}

// IsTerminal 判断状态是否为吸收态，终态交易不再被任何阶段修改。
func IsTerminal(status Status) bool {
	switch status {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired, StatusPartialFailure:
		return true
	default:
		return false
	}
}

// IsValidType 检查给定的交易类型是否为支持的枚举值。
func IsValidType(t Type) bool {
	switch t {
	case TypeTransfer, TypeTokenTransfer, TypeContractCall, TypeApprove,
		TypeBatch, TypeSign, TypeX402Payment:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusQueued, StatusExecuting, StatusSubmitted, StatusConfirmed,
		StatusFailed, StatusCancelled, StatusExpired, StatusPartialFailure, StatusSigned:
		return true
	default:
		return false
	}
}

// Transaction 描述一笔由智能体发起、经策略引擎裁决的链上交易。
type Transaction struct {
	ID             string         `json:"id"`
	WalletID       string         `json:"wallet_id"`
	SessionID      string         `json:"session_id"`
	Chain          string         `json:"chain"`
	Network        string         `json:"network"`
	Type           Type           `json:"type"`
	Status         Status         `json:"status"`
	Tier           string         `json:"tier,omitempty"`
	Amount         *big.Int       `json:"amount"`
	ReservedAmount *big.Int       `json:"reserved_amount,omitempty"`
	ToAddress      string         `json:"to_address"`
	TokenAddress   string         `json:"token_address,omitempty"`
	Data           string         `json:"data,omitempty"`
	TxHash         string         `json:"tx_hash,omitempty"`
	DelaySeconds   int64          `json:"delay_seconds,omitempty"`
	QueuedAt       int64          `json:"queued_at,omitempty"`
	ExecutedAt     int64          `json:"executed_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

var (
	// ErrTxNotFound 表示指定的交易不存在。
	ErrTxNotFound = xerrors.New(xerrors.CodeNotFound, "transaction not found")
	// ErrTxConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTxConflict = xerrors.New(xerrors.CodeConflict, "transaction conflict")
)

// Resumable 标识一笔等待重新进入执行阶段的交易。
type Resumable struct {
	TxID     string `json:"tx_id"`
	WalletID string `json:"wallet_id"`
}

// ReserveFunc 在独占事务内收到当前未结清预留总额（不含本交易），
// 返回需要写入本交易的预留金额；返回 nil 表示不预留，返回错误则整体回滚。
type ReserveFunc func(outstanding *big.Int) (*big.Int, error)

// Store 抽象了交易状态与预留额度的持久化接口。
// ReserveWithin 必须保证同一钱包的并发调用串行化。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)

	SumReserved(ctx context.Context, walletID, excludeTxID string) (*big.Int, error)
	ReserveWithin(ctx context.Context, walletID, txID string, fn ReserveFunc) error
	ReleaseReservation(ctx context.Context, txID string) error

	MarkDelayQueued(ctx context.Context, txID string, delaySeconds, queuedAt int64) error
	MarkApprovalQueued(ctx context.Context, txID string) error
	ClaimExpiredDelays(ctx context.Context, now int64) ([]Resumable, error)
	MarkExecuting(ctx context.Context, txID string) error
	MarkSubmitted(ctx context.Context, txID, txHash string) error
	MarkConfirmed(ctx context.Context, txID string, executedAt int64) error
	MarkSigned(ctx context.Context, txID, txHash string) error
	MarkFailed(ctx context.Context, txID, reason string) error
	MarkPartialFailure(ctx context.Context, txID, txHash, reason string) error
	MarkCancelled(ctx context.Context, txID, reason string) error
	MarkExpired(ctx context.Context, txID, reason string) error
	CancelActive(ctx context.Context, reason string) (int64, error)

	Close() error
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTx(tx *Transaction) *Transaction {
	clone := *tx
	clone.Amount = cloneAmount(tx.Amount)
	clone.ReservedAmount = cloneAmount(tx.ReservedAmount)
	clone.Metadata = cloneMetadata(tx.Metadata)
	return &clone
}
