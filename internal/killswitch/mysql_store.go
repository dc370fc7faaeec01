package killswitch

import (
	"context"
	"database/sql"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 把熔断状态保存为 MySQL 单行记录，
// 状态切换只通过 UPDATE ... WHERE state = ? 完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接池创建 MySQLStore，并确保单例行存在。
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
	const schema = `CREATE TABLE IF NOT EXISTS kill_switch (
        id TINYINT PRIMARY KEY,
        state VARCHAR(16) NOT NULL,
        activated_at BIGINT NOT NULL DEFAULT 0,
        activated_by VARCHAR(64) NOT NULL DEFAULT '',
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 kill_switch 表失败")
	}
	const seed = `INSERT IGNORE INTO kill_switch (id, state, updated_at) VALUES (1, ?, ?)`
	if _, err := s.db.Exec(seed, StateActive, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 kill_switch 初始行失败")
	}
	return nil
}

// Current 返回当前状态。
func (s *MySQLStore) Current(ctx context.Context) (*Record, error) {
	const stmt = `SELECT state, activated_at, activated_by, updated_at FROM kill_switch WHERE id = 1`
	var record Record
	err := s.db.QueryRowContext(ctx, stmt).Scan(
		&record.State, &record.ActivatedAt, &record.ActivatedBy, &record.UpdatedAt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询熔断状态失败")
	}
	return &record, nil
}

// CompareAndSwap 实现 Store 接口。条件更新落在数据库里，
// 并发切换恰有一个成功。
func (s *MySQLStore) CompareAndSwap(ctx context.Context, expected, next State, by string) (bool, error) {
	now := time.Now().Unix()
	var stmt string
	var args []any
	if next != StateActive {
		stmt = `UPDATE kill_switch SET state = ?, activated_at = ?, activated_by = ?, updated_at = ?
            WHERE id = 1 AND state = ?`
		args = []any{next, now, by, now, expected}
	} else {
		stmt = `UPDATE kill_switch SET state = ?, activated_at = 0, activated_by = '', updated_at = ?
            WHERE id = 1 AND state = ?`
		args = []any{next, now, expected}
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "切换熔断状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected == 1, nil
}

// Close 由共享连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
