package chain

import (
	"sort"
	"sync"

	xerrors "AgentVault-Chain/internal/errors"
)

// Registry 按名字管理一组链适配器。
type Registry struct {
	mu           sync.RWMutex
	defaultChain string
	adapters     map[string]Adapter
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册一个适配器，第一个注册的适配器成为默认链。
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil || adapter.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "适配器名字不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[adapter.Name()]; ok {
		return xerrors.New(xerrors.CodeConflict, "适配器已注册: "+adapter.Name())
	}
	r.adapters[adapter.Name()] = adapter
	if r.defaultChain == "" {
		r.defaultChain = adapter.Name()
	}
	return nil
}

// Adapter 返回指定链的适配器，名字为空时返回默认链。
func (r *Registry) Adapter(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultChain
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, ErrChainUnavailable
	}
	return adapter, nil
}

// Chains 返回已注册的链名列表。
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放全部适配器。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, adapter := range r.adapters {
		if adapter != nil {
			adapter.Close()
		}
		delete(r.adapters, name)
	}
}
