package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存策略。rules 字段以 JSON 文本存储。
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
	const schema = `CREATE TABLE IF NOT EXISTS policies (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) NOT NULL DEFAULT '',
        policy_type VARCHAR(32) NOT NULL,
        network VARCHAR(32) NOT NULL DEFAULT '',
        rules TEXT NOT NULL,
        priority INT NOT NULL DEFAULT 0,
        enabled TINYINT(1) NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_policy_wallet (wallet_id, enabled)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 policies 表失败")
	}
	return nil
}

// Create 插入新策略。
func (s *MySQLStore) Create(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略 rules 失败")
	}
	now := time.Now().Unix()
	p.CreatedAt = now
	p.UpdatedAt = now

	const stmt = `INSERT INTO policies
        (id, wallet_id, policy_type, network, rules, priority, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		p.ID, p.WalletID, p.Type, p.Network, string(rules), p.Priority, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrPolicyConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入策略失败")
	}
	return nil
}

// Get 查询指定策略。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Policy, error) {
	const stmt = `SELECT id, wallet_id, policy_type, network, rules, priority, enabled, created_at, updated_at
        FROM policies WHERE id = ?`
	p, err := scanPolicy(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	return p, nil
}

// Update 覆盖已存在的策略。
func (s *MySQLStore) Update(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略 rules 失败")
	}

	const stmt = `UPDATE policies SET wallet_id = ?, policy_type = ?, network = ?, rules = ?,
        priority = ?, enabled = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		p.WalletID, p.Type, p.Network, string(rules), p.Priority, p.Enabled, time.Now().Unix(), p.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Delete 删除策略。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除策略失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// ListForWallet 返回钱包自身与全局的全部启用策略。
func (s *MySQLStore) ListForWallet(ctx context.Context, walletID string) ([]*Policy, error) {
	const stmt = `SELECT id, wallet_id, policy_type, network, rules, priority, enabled, created_at, updated_at
        FROM policies WHERE enabled = 1 AND (wallet_id = ? OR wallet_id = '')`
	rows, err := s.db.QueryContext(ctx, stmt, walletID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略列表失败")
	}
	defer rows.Close()

	var results []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略记录失败")
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略失败")
	}
	return results, nil
}

// Close 由共享连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var rules string
	if err := row.Scan(&p.ID, &p.WalletID, &p.Type, &p.Network, &rules,
		&p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rules) != "" {
		if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

var _ Store = (*MySQLStore)(nil)
