package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存会话记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS sessions (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL DEFAULT '',
        issued_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        revoked_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_session_wallet (wallet_id),
        INDEX idx_session_revoked (revoked_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 sessions 表失败")
	}
	return nil
}

// Create 插入新会话。
func (s *MySQLStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	const stmt = `INSERT INTO sessions (id, wallet_id, agent_id, issued_at, expires_at, revoked_at)
        VALUES (?, ?, ?, ?, ?, 0)`
	_, err := s.db.ExecContext(ctx, stmt, sess.ID, sess.WalletID, sess.AgentID, sess.IssuedAt, sess.ExpiresAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "会话已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	return nil
}

// Get 查询指定会话。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	const stmt = `SELECT id, wallet_id, agent_id, issued_at, expires_at, revoked_at FROM sessions WHERE id = ?`

	var sess Session
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&sess.ID, &sess.WalletID, &sess.AgentID, &sess.IssuedAt, &sess.ExpiresAt, &sess.RevokedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return &sess, nil
}

// Revoke 吊销单个会话，重复吊销不报错。
func (s *MySQLStore) Revoke(ctx context.Context, id string, at int64) error {
	const stmt = `UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = 0`
	res, err := s.db.ExecContext(ctx, stmt, at, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "吊销会话失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// RevokeAll 吊销全部未吊销的会话。
func (s *MySQLStore) RevokeAll(ctx context.Context, at int64) (int64, error) {
	const stmt = `UPDATE sessions SET revoked_at = ? WHERE revoked_at = 0`
	res, err := s.db.ExecContext(ctx, stmt, at)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量吊销会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected, nil
}

// Close 由共享连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
