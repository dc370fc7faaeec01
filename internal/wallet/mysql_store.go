package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录钱包状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS wallets (
        id VARCHAR(64) PRIMARY KEY,
        chain VARCHAR(32) NOT NULL,
        network VARCHAR(32) NOT NULL DEFAULT '',
        public_key VARCHAR(255) NOT NULL DEFAULT '',
        status VARCHAR(32) NOT NULL,
        owner_address VARCHAR(255) NOT NULL DEFAULT '',
        owner_verified TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_wallet_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 wallets 表失败")
	}
	return nil
}

// Create 插入新的钱包记录。
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if w == nil || strings.TrimSpace(w.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	now := time.Now().Unix()
	w.CreatedAt = now
	w.UpdatedAt = now

	const stmt = `INSERT INTO wallets
        (id, chain, network, public_key, status, owner_address, owner_verified, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		w.ID, w.Chain, w.Network, w.PublicKey, w.Status, w.OwnerAddress, w.OwnerVerified, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWalletConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包失败")
	}
	return nil
}

// Get 查询指定钱包。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Wallet, error) {
	const stmt = `SELECT id, chain, network, public_key, status, owner_address, owner_verified, created_at, updated_at
        FROM wallets WHERE id = ?`

	var w Wallet
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&w.ID, &w.Chain, &w.Network, &w.PublicKey, &w.Status, &w.OwnerAddress, &w.OwnerVerified, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return &w, nil
}

// UpdateStatus 更新钱包状态。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	const stmt = `UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// SetOwnerVerified 更新钱包所有者验证标记。
func (s *MySQLStore) SetOwnerVerified(ctx context.Context, id string, verified bool) error {
	const stmt = `UPDATE wallets SET owner_verified = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, verified, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新所有者验证标记失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// SuspendActive 将所有 ACTIVE 钱包置为 SUSPENDED。
func (s *MySQLStore) SuspendActive(ctx context.Context) (int64, error) {
	const stmt = `UPDATE wallets SET status = ?, updated_at = ? WHERE status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusSuspended, time.Now().Unix(), StatusActive)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "暂停钱包失败")
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
