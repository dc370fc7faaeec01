package policy

import (
	"context"
	"sync"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
)

// MemoryStore 以内存方式保存策略，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return ErrPolicyConflict
	}
	now := time.Now().Unix()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// Get 返回策略。
func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

// Update 覆盖已存在的策略。
func (m *MemoryStore) Update(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().Unix()
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// Delete 删除策略。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

// ListForWallet 返回钱包自身与全局的全部启用策略。
func (m *MemoryStore) ListForWallet(_ context.Context, walletID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Policy
	for _, p := range m.policies {
		if !p.Enabled {
			continue
		}
		if p.WalletID != "" && p.WalletID != walletID {
			continue
		}
		results = append(results, clonePolicy(p))
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func clonePolicy(p *Policy) *Policy {
	clone := *p
	if p.Rules != nil {
		clone.Rules = make(map[string]any, len(p.Rules))
		for key, value := range p.Rules {
			clone.Rules[key] = value
		}
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
