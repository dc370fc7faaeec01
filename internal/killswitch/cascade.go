package killswitch

import (
	"context"
	"database/sql"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/session"
	"AgentVault-Chain/internal/transaction"
)

// CascadeCore 执行级联的原子核心：吊销全部会话并取消全部非终态交易。
// 核心必须与熔断状态切换一起视为一个整体，失败时记录并上报。
type CascadeCore interface {
	RevokeAndCancel(ctx context.Context, reason string) (sessionsRevoked, txsCancelled int64, err error)
}

// AtomicActivator 由能把 ACTIVE→SUSPENDED 的状态切换与级联核心
// 放进同一个数据库事务的实现提供：进程在两步之间崩溃时，
// 切换与吊销/取消要么同时生效、要么同时回滚。
// ActivateWithCascade 优先走这条路径。
type AtomicActivator interface {
	ActivateAndCascade(ctx context.Context, by, reason string) (swapped bool, sessionsRevoked, txsCancelled int64, err error)
}

// StoreCascade 在会话与交易存储接口上顺序执行级联核心。
// 内存部署使用；两个内存存储各自持锁，足以保证单进程下的一致性。
type StoreCascade struct {
	sessions session.Store
	txs      transaction.Store
}

// NewStoreCascade 创建 StoreCascade。
func NewStoreCascade(sessions session.Store, txs transaction.Store) (*StoreCascade, error) {
	if sessions == nil || txs == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "级联核心的存储不能为空")
	}
	return &StoreCascade{sessions: sessions, txs: txs}, nil
}

// RevokeAndCancel 实现 CascadeCore 接口。
func (c *StoreCascade) RevokeAndCancel(ctx context.Context, reason string) (int64, int64, error) {
	revoked, err := c.sessions.RevokeAll(ctx, time.Now().Unix())
	if err != nil {
		return 0, 0, err
	}
	cancelled, err := c.txs.CancelActive(ctx, reason)
	if err != nil {
		return revoked, 0, err
	}
	return revoked, cancelled, nil
}

// MySQLCascade 在单个数据库事务内执行级联核心，
// 会话吊销与交易取消要么同时生效、要么同时回滚。
type MySQLCascade struct {
	db *sql.DB
}

// NewMySQLCascade 创建 MySQLCascade。
func NewMySQLCascade(db *sql.DB) (*MySQLCascade, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLCascade{db: db}, nil
}

// RevokeAndCancel 实现 CascadeCore 接口。
func (c *MySQLCascade) RevokeAndCancel(ctx context.Context, reason string) (int64, int64, error) {
	dbTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启级联事务失败")
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	revoked, cancelled, err := revokeAndCancelIn(ctx, dbTx, reason, time.Now().Unix())
	if err != nil {
		return 0, 0, err
	}
	if err := dbTx.Commit(); err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交级联事务失败")
	}
	return revoked, cancelled, nil
}

// ActivateAndCascade 实现 AtomicActivator 接口：
// 状态切换的条件更新与级联核心共用一个事务，
// 级联失败时切换一并回滚，熔断器保持 ACTIVE。
func (c *MySQLCascade) ActivateAndCascade(ctx context.Context, by, reason string) (bool, int64, int64, error) {
	dbTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启级联事务失败")
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	now := time.Now().Unix()
	const flip = `UPDATE kill_switch SET state = ?, activated_at = ?, activated_by = ?, updated_at = ?
        WHERE id = 1 AND state = ?`
	res, err := dbTx.ExecContext(ctx, flip, StateSuspended, now, by, now, StateActive)
	if err != nil {
		return false, 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "切换熔断状态失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, 0, 0, nil
	}

	revoked, cancelled, err := revokeAndCancelIn(ctx, dbTx, reason, now)
	if err != nil {
		return false, 0, 0, err
	}
	if err := dbTx.Commit(); err != nil {
		return false, 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交级联事务失败")
	}
	return true, revoked, cancelled, nil
}

func revokeAndCancelIn(ctx context.Context, dbTx *sql.Tx, reason string, now int64) (int64, int64, error) {
	res, err := dbTx.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE revoked_at = 0`, now)
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "级联吊销会话失败")
	}
	revoked, _ := res.RowsAffected()

	const cancel = `UPDATE transactions SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
        WHERE status NOT IN (?, ?, ?, ?, ?)`
	res, err = dbTx.ExecContext(ctx, cancel, transaction.StatusCancelled, reason, now,
		transaction.StatusConfirmed, transaction.StatusFailed, transaction.StatusCancelled,
		transaction.StatusExpired, transaction.StatusPartialFailure)
	if err != nil {
		return revoked, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "级联取消交易失败")
	}
	cancelled, _ := res.RowsAffected()
	return revoked, cancelled, nil
}

var (
	_ CascadeCore     = (*StoreCascade)(nil)
	_ CascadeCore     = (*MySQLCascade)(nil)
	_ AtomicActivator = (*MySQLCascade)(nil)
)
