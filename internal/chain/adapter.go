// Package chain 定义了链适配层的公共接口。
// 交易的构建、模拟、签名、提交与确认由各链的适配器实现，
// 上层管线只依赖这里的抽象。
package chain

import (
	"context"
	"math/big"

	xerrors "AgentVault-Chain/internal/errors"
)

// BuildParams 是构建交易所需的结构化参数。
type BuildParams struct {
	From         string
	To           string
	Amount       *big.Int
	TokenAddress string
	Spender      string
	Data         []byte
	GasLimit     uint64
}

// UnsignedTx 是构建阶段的产物。
type UnsignedTx struct {
	Serialized   []byte
	EstimatedFee *big.Int
	Metadata     map[string]any
}

// SubmitResult 记录提交结果。
type SubmitResult struct {
	TxHash string
	Status string
}

// Confirmation 记录确认结果。
type Confirmation struct {
	Success       bool
	Status        string
	Confirmations uint64
}

// OperationKind 是解析外部交易得到的规范化操作类型。
type OperationKind string

const (
	OpNativeTransfer OperationKind = "NATIVE_TRANSFER"
	OpTokenTransfer  OperationKind = "TOKEN_TRANSFER"
	OpContractCall   OperationKind = "CONTRACT_CALL"
	OpApprove        OperationKind = "APPROVE"
)

// Operation 是外部交易中的一项规范化操作。
// Amount 仅对转账类操作有意义，表示该操作的支出腿。
type Operation struct {
	Kind           OperationKind
	To             string
	TokenAddress   string
	Spender        string
	MethodSelector string
	Amount         *big.Int
}

// ParsedTx 是 ParseTransaction 的结果。
type ParsedTx struct {
	Operations []Operation
	RawTx      []byte
}

// SignedTx 是外部交易签名的产物。
type SignedTx struct {
	SignedTransaction []byte
	TxHash            string
}

// ErrChainUnavailable 表示指定的链未注册。
var ErrChainUnavailable = xerrors.New(xerrors.CodeChainFailure, "chain adapter unavailable")

// Adapter 是单条链的适配器接口。
type Adapter interface {
	Name() string

	BuildTransaction(ctx context.Context, params BuildParams) (*UnsignedTx, error)
	BuildTokenTransfer(ctx context.Context, params BuildParams) (*UnsignedTx, error)
	BuildContractCall(ctx context.Context, params BuildParams) (*UnsignedTx, error)
	BuildApprove(ctx context.Context, params BuildParams) (*UnsignedTx, error)
	BuildBatch(ctx context.Context, params []BuildParams) ([]*UnsignedTx, error)

	SimulateTransaction(ctx context.Context, unsigned *UnsignedTx, from string) error
	SignTransaction(ctx context.Context, unsigned *UnsignedTx, privateKey []byte) ([]byte, error)
	SubmitTransaction(ctx context.Context, signed []byte) (*SubmitResult, error)
	WaitForConfirmation(ctx context.Context, txHash string) (*Confirmation, error)

	ParseTransaction(ctx context.Context, rawBlob []byte) (*ParsedTx, error)
	SignExternalTransaction(ctx context.Context, rawBlob, privateKey []byte) (*SignedTx, error)

	Close()
}
