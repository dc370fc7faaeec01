package killswitch

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存熔断状态，主要用于测试。
type MemoryStore struct {
	mu     sync.Mutex
	record Record
}

// NewMemoryStore 创建初始状态为 ACTIVE 的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{record: Record{State: StateActive, UpdatedAt: time.Now().Unix()}}
}

// Current 返回当前状态。
func (m *MemoryStore) Current(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.record
	return &record, nil
}

// CompareAndSwap 实现 Store 接口。
func (m *MemoryStore) CompareAndSwap(_ context.Context, expected, next State, by string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record.State != expected {
		return false, nil
	}
	now := time.Now().Unix()
	m.record.State = next
	m.record.UpdatedAt = now
	if next != StateActive {
		m.record.ActivatedAt = now
		m.record.ActivatedBy = by
	} else {
		m.record.ActivatedAt = 0
		m.record.ActivatedBy = ""
	}
	return true, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
