package keystore

import (
	"bytes"
	"context"
	stdErrors "errors"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithLightScrypt())
	if err != nil {
		t.Fatalf("创建 keystore 失败: %v", err)
	}

	address, err := store.CreateKey(context.Background(), "w1", "hunter2")
	if err != nil {
		t.Fatalf("创建私钥失败: %v", err)
	}
	if address == "" {
		t.Fatal("应返回链上地址")
	}

	key, err := store.DecryptPrivateKey(context.Background(), "w1", "hunter2")
	if err != nil {
		t.Fatalf("解密私钥失败: %v", err)
	}
	if len(key) == 0 {
		t.Fatal("解密结果为空")
	}
	store.ReleaseKey(key)
	if !bytes.Equal(key, make([]byte, len(key))) {
		t.Fatal("ReleaseKey 必须擦除明文私钥")
	}
}

func TestFileStoreRejectsWrongPassword(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithLightScrypt())
	if err != nil {
		t.Fatalf("创建 keystore 失败: %v", err)
	}
	if _, err := store.CreateKey(context.Background(), "w1", "hunter2"); err != nil {
		t.Fatalf("创建私钥失败: %v", err)
	}

	if _, err := store.DecryptPrivateKey(context.Background(), "w1", "wrong"); !stdErrors.Is(err, ErrBadPassword) {
		t.Fatalf("期望 ErrBadPassword, got %v", err)
	}
}

func TestFileStoreMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithLightScrypt())
	if err != nil {
		t.Fatalf("创建 keystore 失败: %v", err)
	}
	if _, err := store.DecryptPrivateKey(context.Background(), "ghost", "hunter2"); !stdErrors.Is(err, ErrKeyNotFound) {
		t.Fatalf("期望 ErrKeyNotFound, got %v", err)
	}
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithLightScrypt())
	if err != nil {
		t.Fatalf("创建 keystore 失败: %v", err)
	}
	if _, err := store.CreateKey(context.Background(), "../evil", "hunter2"); err == nil {
		t.Fatal("含路径分隔符的钱包 ID 应被拒绝")
	}
}

func TestFileStoreDuplicateCreate(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithLightScrypt())
	if err != nil {
		t.Fatalf("创建 keystore 失败: %v", err)
	}
	if _, err := store.CreateKey(context.Background(), "w1", "hunter2"); err != nil {
		t.Fatalf("创建私钥失败: %v", err)
	}
	if _, err := store.CreateKey(context.Background(), "w1", "hunter2"); err == nil {
		t.Fatal("重复创建应失败")
	}
}
