package wallet

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

// Status 表示托管钱包在生命周期中的状态。
type Status string

const (
	StatusCreating    Status = "CREATING"
	StatusActive      Status = "ACTIVE"
	StatusSuspended   Status = "SUSPENDED"
	StatusTerminating Status = "TERMINATING"
	StatusTerminated  Status = "TERMINATED"
)

// IsValidStatus 检查给定的钱包状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreating, StatusActive, StatusSuspended, StatusTerminating, StatusTerminated:
		return true
	default:
		return false
	}
}

// Wallet 描述了一个由守护进程托管、供智能体代为操作的钱包。
type Wallet struct {
	ID            string `json:"id"`
	Chain         string `json:"chain"`
	Network       string `json:"network"`
	PublicKey     string `json:"public_key"`
	Status        Status `json:"status"`
	OwnerAddress  string `json:"owner_address"`
	OwnerVerified bool   `json:"owner_verified"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

var (
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(xerrors.CodeNotFound, "wallet not found")
	// ErrWalletConflict 表示钱包 ID 已被占用。
	ErrWalletConflict = xerrors.New(xerrors.CodeConflict, "wallet already exists")
)

// Store 抽象了钱包状态的持久化接口。
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetOwnerVerified(ctx context.Context, id string, verified bool) error
	// SuspendActive 将所有 ACTIVE 钱包置为 SUSPENDED，返回受影响数量。
	// 由 kill switch 级联的尽力而为步骤调用。
	SuspendActive(ctx context.Context) (int64, error)
	Close() error
}
