package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录交易状态与预留额度。
// 预留额度使用 DECIMAL(65,0) 存储，求和在数据库内以精确十进制完成，
// 不经过任何浮点转换。
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
	const schema = `CREATE TABLE IF NOT EXISTS transactions (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) NOT NULL,
        session_id VARCHAR(64) NOT NULL DEFAULT '',
        chain VARCHAR(32) NOT NULL DEFAULT '',
        network VARCHAR(32) NOT NULL DEFAULT '',
        tx_type VARCHAR(32) NOT NULL,
        status VARCHAR(32) NOT NULL,
        tier VARCHAR(16) NOT NULL DEFAULT '',
        amount DECIMAL(65,0) NOT NULL DEFAULT 0,
        reserved_amount DECIMAL(65,0) NULL,
        to_address VARCHAR(255) NOT NULL DEFAULT '',
        token_address VARCHAR(255) NOT NULL DEFAULT '',
        data MEDIUMTEXT,
        tx_hash VARCHAR(1024) NOT NULL DEFAULT '',
        delay_seconds BIGINT NOT NULL DEFAULT 0,
        queued_at BIGINT NOT NULL DEFAULT 0,
        executed_at BIGINT NOT NULL DEFAULT 0,
        last_error TEXT,
        metadata TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tx_wallet_status (wallet_id, status),
        INDEX idx_tx_status_queued (status, queued_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 transactions 表失败")
	}
	return nil
}

const txColumns = `id, wallet_id, session_id, chain, network, tx_type, status, tier,
        CAST(amount AS CHAR), CAST(reserved_amount AS CHAR), to_address, token_address, data, tx_hash,
        delay_seconds, queued_at, executed_at, last_error, metadata, created_at, updated_at`

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil || strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if tx.Amount == nil {
		tx.Amount = new(big.Int)
	}
	now := time.Now().Unix()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	metadataValue, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易 metadata 失败")
	}

	const stmt = `INSERT INTO transactions
        (id, wallet_id, session_id, chain, network, tx_type, status, tier, amount, reserved_amount,
         to_address, token_address, data, tx_hash, delay_seconds, queued_at, executed_at, last_error, metadata,
         created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID, tx.WalletID, tx.SessionID, tx.Chain, tx.Network, tx.Type, tx.Status, tx.Tier,
		tx.Amount.String(), amountValue(tx.ReservedAmount),
		tx.ToAddress, tx.TokenAddress, tx.Data, tx.TxHash, tx.DelaySeconds, tx.QueuedAt, tx.ExecutedAt,
		metadataValue, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTxConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTx(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// List 返回符合过滤条件的交易列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT ` + txColumns + ` FROM transactions`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	txs := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return txs, nil
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT status, COUNT(*) FROM transactions`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易统计失败")
		}
		for i := 0; i < n; i++ {
			stats.count(status)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易统计失败")
	}
	return stats, nil
}

// SumReserved 只读地累加指定钱包所有非终态交易的预留金额。
func (s *MySQLStore) SumReserved(ctx context.Context, walletID, excludeTxID string) (*big.Int, error) {
	query, args := sumReservedQuery(walletID, excludeTxID, false)
	var raw string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询预留总额失败")
	}
	return parseAmount(raw)
}

// ReserveWithin 在单个独占事务内完成「求和 → 裁决 → 写预留」。
// SELECT ... FOR UPDATE 锁住该钱包的全部非终态行，并发调用串行化，
// 第二个调用者的求和必然包含第一个调用者刚写入的预留。
func (s *MySQLStore) ReserveWithin(ctx context.Context, walletID, txID string, fn ReserveFunc) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启预留事务失败")
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	query, args := sumReservedQuery(walletID, txID, true)
	var raw string
	if err := dbTx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询预留总额失败")
	}
	outstanding, err := parseAmount(raw)
	if err != nil {
		return err
	}

	amount, err := fn(outstanding)
	if err != nil {
		return err
	}
	if amount != nil {
		const update = `UPDATE transactions SET reserved_amount = ?, updated_at = ? WHERE id = ?`
		res, err := dbTx.ExecContext(ctx, update, amount.String(), time.Now().Unix(), txID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入预留金额失败")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrTxNotFound
		}
	}

	if err := dbTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交预留事务失败")
	}
	return nil
}

// ReleaseReservation 清除交易的预留金额。
func (s *MySQLStore) ReleaseReservation(ctx context.Context, txID string) error {
	const stmt = `UPDATE transactions SET reserved_amount = NULL, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), txID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放预留失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

// MarkDelayQueued 将交易置为 QUEUED 并记录延迟参数。
func (s *MySQLStore) MarkDelayQueued(ctx context.Context, txID string, delaySeconds, queuedAt int64) error {
	const stmt = `UPDATE transactions SET status = ?, delay_seconds = ?, queued_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusQueued, delaySeconds, queuedAt, time.Now().Unix(), txID}
	args = append(args, terminalArgs()...)
	return s.execExpectingRow(ctx, stmt, args, "延迟入队失败")
}

// MarkApprovalQueued 将交易置为 QUEUED 等待审批。
func (s *MySQLStore) MarkApprovalQueued(ctx context.Context, txID string) error {
	now := time.Now().Unix()
	const stmt = `UPDATE transactions SET status = ?, queued_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusQueued, now, now, txID}
	args = append(args, terminalArgs()...)
	return s.execExpectingRow(ctx, stmt, args, "审批入队失败")
}

// ClaimExpiredDelays 原子地把到期的 QUEUED 延迟交易翻转为 EXECUTING。
// 每行通过条件 UPDATE 声明执行权，并发扫描不会重复取到同一笔交易。
func (s *MySQLStore) ClaimExpiredDelays(ctx context.Context, now int64) ([]Resumable, error) {
	const query = `SELECT id, wallet_id FROM transactions
        WHERE status = ? AND delay_seconds > 0 AND queued_at + delay_seconds <= ?
        ORDER BY queued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusQueued, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期交易失败")
	}
	candidates := make([]Resumable, 0, 8)
	for rows.Next() {
		var r Resumable
		if err := rows.Scan(&r.TxID, &r.WalletID); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析到期交易失败")
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期交易失败")
	}
	rows.Close()

	const claim = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	claimed := make([]Resumable, 0, len(candidates))
	for _, candidate := range candidates {
		res, err := s.db.ExecContext(ctx, claim, StatusExecuting, time.Now().Unix(), candidate.TxID, StatusQueued)
		if err != nil {
			return claimed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "声明到期交易失败")
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			claimed = append(claimed, candidate)
		}
	}
	return claimed, nil
}

// MarkExecuting 通过 QUEUED/PENDING→EXECUTING 的条件翻转声明交易的执行权。
func (s *MySQLStore) MarkExecuting(ctx context.Context, txID string) error {
	const stmt = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusExecuting, time.Now().Unix(), txID, StatusQueued, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrTxConflict
	}
	return nil
}

// MarkSubmitted 记录链上提交结果。
// 终态不可逆：熔断级联在执行中途取消的交易不得被写回 SUBMITTED。
func (s *MySQLStore) MarkSubmitted(ctx context.Context, txID, txHash string) error {
	stmt := `UPDATE transactions SET status = ?, tx_hash = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusSubmitted, txHash, time.Now().Unix(), txID}
	return s.execGuarded(ctx, stmt, append(args, terminalArgs()...), txID, "标记提交失败")
}

// MarkConfirmed 记录最终确认，终态交易拒绝覆盖。
func (s *MySQLStore) MarkConfirmed(ctx context.Context, txID string, executedAt int64) error {
	stmt := `UPDATE transactions SET status = ?, executed_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusConfirmed, executedAt, time.Now().Unix(), txID}
	return s.execGuarded(ctx, stmt, append(args, terminalArgs()...), txID, "标记确认失败")
}

// MarkSigned 记录仅签名流程的产物，终态交易拒绝覆盖。
func (s *MySQLStore) MarkSigned(ctx context.Context, txID, txHash string) error {
	stmt := `UPDATE transactions SET status = ?, tx_hash = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusSigned, txHash, time.Now().Unix(), txID}
	return s.execGuarded(ctx, stmt, append(args, terminalArgs()...), txID, "标记签名失败")
}

// MarkFailed 将交易置为 FAILED 并释放预留。
func (s *MySQLStore) MarkFailed(ctx context.Context, txID, reason string) error {
	return s.markTerminal(ctx, txID, StatusFailed, reason)
}

// MarkPartialFailure 用于批量交易部分成功的场景：记录已上链的哈希，
// 整单落为终态并释放预留。
func (s *MySQLStore) MarkPartialFailure(ctx context.Context, txID, txHash, reason string) error {
	stmt := `UPDATE transactions SET status = ?, tx_hash = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusPartialFailure, txHash, reason, time.Now().Unix(), txID}
	args = append(args, terminalArgs()...)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记部分失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrTxConflict
	}
	return nil
}

// MarkCancelled 将交易置为 CANCELLED 并释放预留。
func (s *MySQLStore) MarkCancelled(ctx context.Context, txID, reason string) error {
	return s.markTerminal(ctx, txID, StatusCancelled, reason)
}

// MarkExpired 将交易置为 EXPIRED 并释放预留。
func (s *MySQLStore) MarkExpired(ctx context.Context, txID, reason string) error {
	return s.markTerminal(ctx, txID, StatusExpired, reason)
}

func (s *MySQLStore) markTerminal(ctx context.Context, txID string, status Status, reason string) error {
	stmt := `UPDATE transactions SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
        WHERE id = ? AND status NOT IN (` + terminalPlaceholders + `)`
	args := []any{status, reason, time.Now().Unix(), txID}
	args = append(args, terminalArgs()...)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记终态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrTxConflict
	}
	return nil
}

// CancelActive 取消所有非终态交易，返回受影响数量。
func (s *MySQLStore) CancelActive(ctx context.Context, reason string) (int64, error) {
	stmt := `UPDATE transactions SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
        WHERE status NOT IN (` + terminalPlaceholders + `)`
	args := []any{StatusCancelled, reason, time.Now().Unix()}
	args = append(args, terminalArgs()...)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量取消交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected, nil
}

// Close 由共享连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

const terminalPlaceholders = "?, ?, ?, ?, ?"

func terminalArgs() []any {
	return []any{StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired, StatusPartialFailure}
}

// execGuarded 执行带终态保护的条件更新，零行时区分不存在与状态冲突。
func (s *MySQLStore) execGuarded(ctx context.Context, stmt string, args []any, txID, failMsg string) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failMsg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrTxConflict
	}
	return nil
}

func (s *MySQLStore) execExpectingRow(ctx context.Context, stmt string, args []any, failMsg string) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failMsg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

func sumReservedQuery(walletID, excludeTxID string, forUpdate bool) (string, []any) {
	placeholders := make([]string, len(OutstandingStatuses))
	args := []any{walletID, excludeTxID}
	for i, status := range OutstandingStatuses {
		placeholders[i] = "?"
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT CAST(COALESCE(SUM(reserved_amount), 0) AS CHAR) FROM transactions
        WHERE wallet_id = ? AND id <> ? AND status IN (%s)`, strings.Join(placeholders, ","))
	if forUpdate {
		query += " FOR UPDATE"
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var amount string
	var reserved, data, lastError, metadata sql.NullString

	if err := row.Scan(
		&tx.ID, &tx.WalletID, &tx.SessionID, &tx.Chain, &tx.Network, &tx.Type, &tx.Status, &tx.Tier,
		&amount, &reserved, &tx.ToAddress, &tx.TokenAddress, &data, &tx.TxHash,
		&tx.DelaySeconds, &tx.QueuedAt, &tx.ExecutedAt, &lastError, &metadata, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	tx.Amount = parsed
	if reserved.Valid {
		parsedReserved, err := parseAmount(reserved.String)
		if err != nil {
			return nil, err
		}
		tx.ReservedAmount = parsedReserved
	}
	tx.Data = data.String
	tx.Error = lastError.String

	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	tx.Metadata = decoded
	return &tx, nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "非法的金额字段: "+raw)
	}
	return value, nil
}

func amountValue(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if opts.WalletID != "" {
		conditions = append(conditions, "wallet_id = ?")
		args = append(args, opts.WalletID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
