package transaction

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，主要用于测试。
// ReserveWithin 通过整表互斥锁实现与数据库独占事务等价的串行化。
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.txs[tx.ID]; ok {
		return ErrTxConflict
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneTx(tx), nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if !matchesListFilters(tx, opts) {
			continue
		}
		results = append(results, cloneTx(tx))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts.applyDefaults()

	var stats Stats
	for _, tx := range m.txs {
		if !matchesListFilters(tx, opts) {
			continue
		}
		stats.count(tx.Status)
	}
	return stats, nil
}

// SumReserved 累加指定钱包所有非终态交易的预留金额。
func (m *MemoryStore) SumReserved(_ context.Context, walletID, excludeTxID string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumReservedLocked(walletID, excludeTxID), nil
}

func (m *MemoryStore) sumReservedLocked(walletID, excludeTxID string) *big.Int {
	sum := new(big.Int)
	for _, tx := range m.txs {
		if tx.WalletID != walletID || tx.ID == excludeTxID {
			continue
		}
		if tx.ReservedAmount == nil {
			continue
		}
		if !isOutstanding(tx.Status) {
			continue
		}
		sum.Add(sum, tx.ReservedAmount)
	}
	return sum
}

// ReserveWithin 在互斥锁内完成求和、裁决与预留写入，与独占事务语义一致。
func (m *MemoryStore) ReserveWithin(_ context.Context, walletID, txID string, fn ReserveFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	outstanding := m.sumReservedLocked(walletID, txID)
	amount, err := fn(outstanding)
	if err != nil {
		return err
	}
	if amount != nil {
		tx.ReservedAmount = new(big.Int).Set(amount)
		tx.UpdatedAt = time.Now().Unix()
	}
	return nil
}

// ReleaseReservation 清除交易的预留金额。
func (m *MemoryStore) ReleaseReservation(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	tx.ReservedAmount = nil
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkDelayQueued 将交易置为 QUEUED 并记录延迟参数。
func (m *MemoryStore) MarkDelayQueued(_ context.Context, txID string, delaySeconds, queuedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusQueued
	tx.DelaySeconds = delaySeconds
	tx.QueuedAt = queuedAt
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkApprovalQueued 将交易置为 QUEUED 等待审批。
func (m *MemoryStore) MarkApprovalQueued(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusQueued
	tx.QueuedAt = time.Now().Unix()
	tx.UpdatedAt = tx.QueuedAt
	return nil
}

// ClaimExpiredDelays 原子地把到期的 QUEUED 延迟交易翻转为 EXECUTING。
// 并发的扫描协程不会重复取到同一笔交易。
func (m *MemoryStore) ClaimExpiredDelays(_ context.Context, now int64) ([]Resumable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Resumable
	for _, tx := range m.txs {
		if tx.Status != StatusQueued || tx.DelaySeconds <= 0 {
			continue
		}
		if tx.QueuedAt+tx.DelaySeconds > now {
			continue
		}
		tx.Status = StatusExecuting
		tx.UpdatedAt = time.Now().Unix()
		due = append(due, Resumable{TxID: tx.ID, WalletID: tx.WalletID})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TxID < due[j].TxID })
	return due, nil
}

// MarkExecuting 通过 QUEUED→EXECUTING 的条件翻转声明交易的执行权。
func (m *MemoryStore) MarkExecuting(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != StatusQueued && tx.Status != StatusPending {
		return ErrTxConflict
	}
	tx.Status = StatusExecuting
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSubmitted 记录链上提交结果。
// 终态不可逆：熔断级联在执行中途取消的交易不得被写回 SUBMITTED。
func (m *MemoryStore) MarkSubmitted(_ context.Context, txID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusSubmitted
	tx.TxHash = txHash
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkConfirmed 记录最终确认，终态交易拒绝覆盖。
func (m *MemoryStore) MarkConfirmed(_ context.Context, txID string, executedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusConfirmed
	tx.ExecutedAt = executedAt
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSigned 记录仅签名流程的产物，终态交易拒绝覆盖。
func (m *MemoryStore) MarkSigned(_ context.Context, txID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusSigned
	tx.TxHash = txHash
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 将交易置为 FAILED 并释放预留。
func (m *MemoryStore) MarkFailed(_ context.Context, txID, reason string) error {
	return m.markTerminal(txID, StatusFailed, reason)
}

// MarkPartialFailure 用于批量交易部分成功的场景：记录已上链的哈希，
// 整单落为终态并释放预留。
func (m *MemoryStore) MarkPartialFailure(_ context.Context, txID, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = StatusPartialFailure
	tx.TxHash = txHash
	tx.Error = reason
	tx.ReservedAmount = nil
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCancelled 将交易置为 CANCELLED 并释放预留。
func (m *MemoryStore) MarkCancelled(_ context.Context, txID, reason string) error {
	return m.markTerminal(txID, StatusCancelled, reason)
}

// MarkExpired 将交易置为 EXPIRED 并释放预留。
func (m *MemoryStore) MarkExpired(_ context.Context, txID, reason string) error {
	return m.markTerminal(txID, StatusExpired, reason)
}

func (m *MemoryStore) markTerminal(txID string, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(tx.Status) {
		return ErrTxConflict
	}
	tx.Status = status
	tx.Error = reason
	tx.ReservedAmount = nil
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// CancelActive 取消所有非终态交易，返回受影响数量。
func (m *MemoryStore) CancelActive(_ context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	now := time.Now().Unix()
	for _, tx := range m.txs {
		if IsTerminal(tx.Status) {
			continue
		}
		tx.Status = StatusCancelled
		tx.Error = reason
		tx.ReservedAmount = nil
		tx.UpdatedAt = now
		affected++
	}
	return affected, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func isOutstanding(status Status) bool {
	for _, s := range OutstandingStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func matchesListFilters(tx *Transaction, opts ListOptions) bool {
	if opts.WalletID != "" && tx.WalletID != opts.WalletID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if tx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
