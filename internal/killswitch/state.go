package killswitch

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

// State 是熔断器的全局状态。
type State string

const (
	// StateActive 表示系统正常放行。
	StateActive State = "ACTIVE"
	// StateSuspended 表示熔断已触发，钱包与交易端点被拒绝。
	StateSuspended State = "SUSPENDED"
	// StateLocked 表示熔断已升级，仅所有者恢复端点可用。
	StateLocked State = "LOCKED"
)

// Record 是熔断器的单例状态记录。
type Record struct {
	State       State  `json:"state"`
	ActivatedAt int64  `json:"activated_at,omitempty"`
	ActivatedBy string `json:"activated_by,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ErrSystemLocked 表示熔断器处于非 ACTIVE 状态，请求被拒绝。
var ErrSystemLocked = xerrors.New(xerrors.CodeSystemLocked, "system locked by kill switch")

// Store 抽象了熔断状态的持久化接口。状态永远落在存储里而非进程内存，
// 重启与多实例部署下依然正确。
type Store interface {
	Current(ctx context.Context) (*Record, error)
	// CompareAndSwap 仅在当前状态等于 expected 时切换到 next。
	// 状态不匹配返回 false 且无任何副作用。
	CompareAndSwap(ctx context.Context, expected, next State, by string) (bool, error)
	Close() error
}
