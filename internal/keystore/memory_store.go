package keystore

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentVault-Chain/internal/errors"
)

// MemoryStore 以内存明文保存私钥，仅用于测试。
type MemoryStore struct {
	mu       sync.Mutex
	password string
	keys     map[string][]byte
}

// NewMemoryStore 创建 MemoryStore，所有钱包共享同一个主口令。
func NewMemoryStore(masterPassword string) *MemoryStore {
	return &MemoryStore{password: masterPassword, keys: make(map[string][]byte)}
}

// CreateKey 实现 KeyStore 接口。
func (m *MemoryStore) CreateKey(_ context.Context, walletID, masterPassword string) (string, error) {
	if masterPassword != m.password {
		return "", ErrBadPassword
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[walletID]; ok {
		return "", xerrors.New(xerrors.CodeConflict, "钱包私钥已存在: "+walletID)
	}
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "生成私钥失败")
	}
	m.keys[walletID] = crypto.FromECDSA(privateKey)
	return crypto.PubkeyToAddress(privateKey.PublicKey).Hex(), nil
}

// DecryptPrivateKey 实现 KeyStore 接口。
func (m *MemoryStore) DecryptPrivateKey(_ context.Context, walletID, masterPassword string) ([]byte, error) {
	if masterPassword != m.password {
		return nil, ErrBadPassword
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[walletID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := make([]byte, len(key))
	copy(clone, key)
	return clone, nil
}

// ReleaseKey 实现 KeyStore 接口。
func (m *MemoryStore) ReleaseKey(key []byte) { Zero(key) }

// Close 擦除全部托管私钥。
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, key := range m.keys {
		Zero(key)
		delete(m.keys, id)
	}
	return nil
}

var _ KeyStore = (*MemoryStore)(nil)
