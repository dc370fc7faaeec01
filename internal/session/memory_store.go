package session

import (
	"context"
	"sync"

	xerrors "AgentVault-Chain/internal/errors"
)

// MemoryStore 以内存方式保存会话，主要用于测试。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

// Get 返回会话。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *s
	return &clone, nil
}

// Revoke 吊销单个会话，重复吊销不报错。
func (m *MemoryStore) Revoke(_ context.Context, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.RevokedAt == 0 {
		s.RevokedAt = at
	}
	return nil
}

// RevokeAll 吊销全部未吊销的会话。
func (m *MemoryStore) RevokeAll(_ context.Context, at int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for _, s := range m.sessions {
		if s.RevokedAt == 0 {
			s.RevokedAt = at
			affected++
		}
	}
	return affected, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
