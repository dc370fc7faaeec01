// Package keystore 负责钱包私钥的托管。
// 私钥只在签名窗口内以明文存在，用完必须通过 ReleaseKey 擦除。
package keystore

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

var (
	// ErrKeyNotFound 表示钱包没有托管的私钥。
	ErrKeyNotFound = xerrors.New(xerrors.CodeNotFound, "wallet key not found")
	// ErrBadPassword 表示主口令无法解密私钥。
	ErrBadPassword = xerrors.New(xerrors.CodeKeystoreFailure, "master password rejected")
)

// KeyStore 抽象了私钥仓库。
type KeyStore interface {
	// CreateKey 为钱包生成并托管新私钥，返回对应的链上地址。
	CreateKey(ctx context.Context, walletID, masterPassword string) (string, error)
	// DecryptPrivateKey 解密钱包私钥。调用方无论成败都必须随后调用 ReleaseKey。
	DecryptPrivateKey(ctx context.Context, walletID, masterPassword string) ([]byte, error)
	// ReleaseKey 擦除明文私钥。
	ReleaseKey(key []byte)
	Close() error
}

// Zero 原地清空字节切片，ReleaseKey 的公共实现。
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
