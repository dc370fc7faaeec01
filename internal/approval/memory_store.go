package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
)

// MemoryStore 以内存方式保存待审批记录，主要用于测试。
type MemoryStore struct {
	mu   sync.Mutex
	byTx map[string]*PendingApproval
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTx: make(map[string]*PendingApproval)}
}

// Create 实现 Store 接口，每笔交易至多一条审批记录。
func (m *MemoryStore) Create(_ context.Context, p *PendingApproval) error {
	if p == nil || p.TxID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批记录的交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTx[p.TxID]; ok {
		return ErrApprovalConflict
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	clone := *p
	m.byTx[p.TxID] = &clone
	return nil
}

// GetByTx 返回指定交易的审批记录。
func (m *MemoryStore) GetByTx(_ context.Context, txID string) (*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTx[txID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	clone := *p
	return &clone, nil
}

// MarkApproved 记录批准结果，仅对待决记录生效。
func (m *MemoryStore) MarkApproved(_ context.Context, txID, ownerSignature string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTx[txID]
	if !ok {
		return ErrApprovalNotFound
	}
	if !p.Open() {
		return ErrApprovalConflict
	}
	p.ApprovedAt = at
	p.OwnerSignature = ownerSignature
	return nil
}

// MarkRejected 记录拒绝结果，仅对待决记录生效。
func (m *MemoryStore) MarkRejected(_ context.Context, txID string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTx[txID]
	if !ok {
		return ErrApprovalNotFound
	}
	if !p.Open() {
		return ErrApprovalConflict
	}
	p.RejectedAt = at
	return nil
}

// ClaimExpired 把过期的待决审批标记为过期并返回。
func (m *MemoryStore) ClaimExpired(_ context.Context, now int64) ([]*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*PendingApproval
	for _, p := range m.byTx {
		if !p.Open() || p.ExpiresAt > now {
			continue
		}
		p.ExpiredAt = now
		clone := *p
		claimed = append(claimed, &clone)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].TxID < claimed[j].TxID })
	return claimed, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
