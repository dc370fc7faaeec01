package session

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"AgentVault-Chain/internal/config"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/pkg/logger"
)

// Claims 是会话令牌携带的声明。会话 ID 存于标准的 jti 字段。
type Claims struct {
	WalletID string `json:"wallet_id"`
	AgentID  string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责会话令牌的签发与校验。
// 令牌采用 HS256 签名，但签名有效不是最终裁决：
// 数据库中的吊销记录永远优先，熔断吊销过的令牌在恢复后依然无效。
type Service struct {
	store  Store
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewService 创建会话服务。
func NewService(cfg config.SessionConfig, store Store) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话存储不能为空")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInitialization, "会话签名密钥未配置")
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "vaultd"
	}
	return &Service{store: store, secret: []byte(cfg.Secret), issuer: issuer, ttl: ttl}, nil
}

// Issue 为指定钱包签发新会话，返回令牌与会话记录。
func (s *Service) Issue(ctx context.Context, walletID, agentID string) (string, *Session, error) {
	if strings.TrimSpace(walletID) == "" {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		AgentID:   agentID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}

	claims := Claims{
		WalletID: walletID,
		AgentID:  agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   walletID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeInitialization, err, "签发会话令牌失败")
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return "", nil, err
	}

	logger.Audit().Info("会话签发", "session_id", sess.ID, "wallet_id", walletID, "agent_id", agentID)
	return token, sess, nil
}

// Validate 校验令牌并返回对应的会话。
// 校验顺序：签名与标准声明 → 数据库吊销状态。后者永远是最终裁决。
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.ID == "" {
		return nil, ErrTokenInvalid
	}

	sess, err := s.store.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !sess.Active(time.Now().Unix()) {
		return nil, ErrSessionRevoked
	}
	return sess, nil
}

// Revoke 吊销单个会话。
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.store.Revoke(ctx, sessionID, time.Now().Unix()); err != nil {
		return err
	}
	logger.Audit().Info("会话吊销", "session_id", sessionID)
	return nil
}

// RevokeAll 吊销全部活跃会话，返回受影响数量。熔断级联的第一步。
func (s *Service) RevokeAll(ctx context.Context) (int64, error) {
	affected, err := s.store.RevokeAll(ctx, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("全部会话吊销", "count", affected)
	return affected, nil
}
