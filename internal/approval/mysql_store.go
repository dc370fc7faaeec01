package approval

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存待审批记录。tx_id 上的唯一约束保证一笔交易
// 至多一条审批记录。
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
	const schema = `CREATE TABLE IF NOT EXISTS pending_approvals (
        id VARCHAR(64) PRIMARY KEY,
        tx_id VARCHAR(64) NOT NULL,
        wallet_id VARCHAR(64) NOT NULL DEFAULT '',
        required_by VARCHAR(64) NOT NULL DEFAULT '',
        expires_at BIGINT NOT NULL,
        approved_at BIGINT NOT NULL DEFAULT 0,
        rejected_at BIGINT NOT NULL DEFAULT 0,
        expired_at BIGINT NOT NULL DEFAULT 0,
        owner_signature TEXT,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uk_approval_tx (tx_id),
        INDEX idx_approval_expires (expires_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 pending_approvals 表失败")
	}
	return nil
}

// Create 插入新的审批记录。
func (s *MySQLStore) Create(ctx context.Context, p *PendingApproval) error {
	if p == nil || strings.TrimSpace(p.TxID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批记录的交易 ID 不能为空")
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO pending_approvals
        (id, tx_id, wallet_id, required_by, expires_at, approved_at, rejected_at, expired_at, owner_signature, created_at)
        VALUES (?, ?, ?, ?, ?, 0, 0, 0, '', ?)`
	_, err := s.db.ExecContext(ctx, stmt, p.ID, p.TxID, p.WalletID, p.RequiredBy, p.ExpiresAt, p.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrApprovalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审批记录失败")
	}
	return nil
}

// GetByTx 返回指定交易的审批记录。
func (s *MySQLStore) GetByTx(ctx context.Context, txID string) (*PendingApproval, error) {
	const stmt = `SELECT id, tx_id, wallet_id, required_by, expires_at, approved_at, rejected_at, expired_at,
        COALESCE(owner_signature, ''), created_at FROM pending_approvals WHERE tx_id = ?`

	var p PendingApproval
	err := s.db.QueryRowContext(ctx, stmt, txID).Scan(
		&p.ID, &p.TxID, &p.WalletID, &p.RequiredBy, &p.ExpiresAt,
		&p.ApprovedAt, &p.RejectedAt, &p.ExpiredAt, &p.OwnerSignature, &p.CreatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批记录失败")
	}
	return &p, nil
}

// MarkApproved 记录批准结果，条件更新保证只对待决记录生效。
func (s *MySQLStore) MarkApproved(ctx context.Context, txID, ownerSignature string, at int64) error {
	const stmt = `UPDATE pending_approvals SET approved_at = ?, owner_signature = ?
        WHERE tx_id = ? AND approved_at = 0 AND rejected_at = 0 AND expired_at = 0`
	return s.execDecision(ctx, stmt, []any{at, ownerSignature, txID}, txID)
}

// MarkRejected 记录拒绝结果，条件更新保证只对待决记录生效。
func (s *MySQLStore) MarkRejected(ctx context.Context, txID string, at int64) error {
	const stmt = `UPDATE pending_approvals SET rejected_at = ?
        WHERE tx_id = ? AND approved_at = 0 AND rejected_at = 0 AND expired_at = 0`
	return s.execDecision(ctx, stmt, []any{at, txID}, txID)
}

func (s *MySQLStore) execDecision(ctx context.Context, stmt string, args []any, txID string) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetByTx(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrApprovalConflict
	}
	return nil
}

// ClaimExpired 逐条以条件更新声明过期，并发扫描不会重复取到同一条记录。
func (s *MySQLStore) ClaimExpired(ctx context.Context, now int64) ([]*PendingApproval, error) {
	const query = `SELECT id, tx_id, wallet_id, required_by, expires_at, created_at FROM pending_approvals
        WHERE approved_at = 0 AND rejected_at = 0 AND expired_at = 0 AND expires_at <= ?
        ORDER BY expires_at ASC`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期审批失败")
	}
	var candidates []*PendingApproval
	for rows.Next() {
		var p PendingApproval
		if err := rows.Scan(&p.ID, &p.TxID, &p.WalletID, &p.RequiredBy, &p.ExpiresAt, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期审批失败")
		}
		candidates = append(candidates, &p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期审批失败")
	}
	rows.Close()

	const claim = `UPDATE pending_approvals SET expired_at = ?
        WHERE tx_id = ? AND approved_at = 0 AND rejected_at = 0 AND expired_at = 0`
	claimed := make([]*PendingApproval, 0, len(candidates))
	for _, candidate := range candidates {
		res, err := s.db.ExecContext(ctx, claim, now, candidate.TxID)
		if err != nil {
			return claimed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "声明过期审批失败")
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			candidate.ExpiredAt = now
			claimed = append(claimed, candidate)
		}
	}
	return claimed, nil
}

// Close 由共享连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
