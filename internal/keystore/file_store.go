package keystore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "AgentVault-Chain/internal/errors"
)

// FileStore 把每个钱包的私钥加密保存为一个 keystore JSON 文件，
// 文件名即钱包 ID，加密格式与 go-ethereum keystore 兼容。
type FileStore struct {
	dir     string
	scryptN int
	scryptP int
}

// FileStoreOption 调整 FileStore 的可选参数。
type FileStoreOption func(*FileStore)

// WithLightScrypt 使用轻量 scrypt 参数，仅供测试加速。
func WithLightScrypt() FileStoreOption {
	return func(s *FileStore) {
		s.scryptN = gethkeystore.LightScryptN
		s.scryptP = gethkeystore.LightScryptP
	}
}

// NewFileStore 创建基于目录的私钥仓库。
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore 目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "创建 keystore 目录失败")
	}
	store := &FileStore{
		dir:     dir,
		scryptN: gethkeystore.StandardScryptN,
		scryptP: gethkeystore.StandardScryptP,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// CreateKey 实现 KeyStore 接口。
func (s *FileStore) CreateKey(_ context.Context, walletID, masterPassword string) (string, error) {
	path, err := s.keyPath(walletID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", xerrors.New(xerrors.CodeConflict, "钱包私钥已存在: "+walletID)
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "生成私钥失败")
	}
	defer Zero(crypto.FromECDSA(privateKey))

	id, err := uuid.NewRandom()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "生成密钥 ID 失败")
	}
	key := &gethkeystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
	encrypted, err := gethkeystore.EncryptKey(key, masterPassword, s.scryptN, s.scryptP)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "加密私钥失败")
	}
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return "", xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "写入私钥文件失败")
	}
	return key.Address.Hex(), nil
}

// DecryptPrivateKey 实现 KeyStore 接口。
func (s *FileStore) DecryptPrivateKey(_ context.Context, walletID, masterPassword string) ([]byte, error) {
	path, err := s.keyPath(walletID)
	if err != nil {
		return nil, err
	}
	encrypted, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "读取私钥文件失败")
	}

	key, err := gethkeystore.DecryptKey(encrypted, masterPassword)
	if err != nil {
		return nil, ErrBadPassword
	}
	raw := crypto.FromECDSA(key.PrivateKey)
	return raw, nil
}

// ReleaseKey 实现 KeyStore 接口。
func (s *FileStore) ReleaseKey(key []byte) { Zero(key) }

// Close 对文件仓库无需操作。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) keyPath(walletID string) (string, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" || strings.ContainsAny(walletID, `/\`) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的钱包 ID")
	}
	return filepath.Join(s.dir, walletID+".json"), nil
}

var _ KeyStore = (*FileStore)(nil)
