package wallet

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存钱包状态，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w == nil || w.ID == "" {
		return ErrWalletNotFound
	}
	if _, ok := m.wallets[w.ID]; ok {
		return ErrWalletConflict
	}
	now := time.Now().Unix()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	clone := *w
	m.wallets[w.ID] = &clone
	return nil
}

// Get 返回钱包。
func (m *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *w
	return &clone, nil
}

// UpdateStatus 更新钱包状态。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// SetOwnerVerified 更新钱包所有者验证标记。
func (m *MemoryStore) SetOwnerVerified(_ context.Context, id string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.OwnerVerified = verified
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// SuspendActive 将所有 ACTIVE 钱包置为 SUSPENDED。
func (m *MemoryStore) SuspendActive(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	now := time.Now().Unix()
	for _, w := range m.wallets {
		if w.Status == StatusActive {
			w.Status = StatusSuspended
			w.UpdatedAt = now
			affected++
		}
	}
	return affected, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
