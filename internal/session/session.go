package session

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

// Session 表示一个智能体的已签发会话。令牌本身无状态，
// 吊销状态以数据库记录为准：已吊销的会话即使签名有效也会被拒绝。
type Session struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	AgentID   string `json:"agent_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	RevokedAt int64  `json:"revoked_at,omitempty"`
}

// Active 判断会话在指定时刻是否可用。
func (s *Session) Active(now int64) bool {
	return s.RevokedAt == 0 && s.ExpiresAt > now
}

var (
	// ErrSessionNotFound 表示会话记录不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
	// ErrSessionRevoked 表示会话已被吊销或已过期。
	ErrSessionRevoked = xerrors.New(xerrors.CodeSessionRevoked, "session revoked")
	// ErrTokenInvalid 表示令牌签名或声明非法。
	ErrTokenInvalid = xerrors.New(xerrors.CodeSessionRevoked, "session token invalid")
)

// Store 抽象了会话记录的持久化接口。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Revoke(ctx context.Context, id string, at int64) error
	// RevokeAll 吊销全部未吊销的会话，返回受影响数量。熔断级联的第一步。
	RevokeAll(ctx context.Context, at int64) (int64, error)
	Close() error
}
