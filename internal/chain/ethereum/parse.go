package ethereum

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
)

// 4 字节方法选择器。
const (
	selectorTransfer = "a9059cbb"
	selectorApprove  = "095ea7b3"
)

// ParseTransaction 把调用方已构建好的链原生交易解析为规范化操作列表。
// 仅签名管线据此做支出裁决，不重建交易本身。
func (a *Adapter) ParseTransaction(_ context.Context, rawBlob []byte) (*chain.ParsedTx, error) {
	tx, err := decodeTx(rawBlob)
	if err != nil {
		return nil, err
	}

	var op chain.Operation
	data := tx.Data()
	to := ""
	if tx.To() != nil {
		to = tx.To().Hex()
	}

	switch {
	case len(data) == 0:
		op = chain.Operation{
			Kind:   chain.OpNativeTransfer,
			To:     to,
			Amount: new(big.Int).Set(tx.Value()),
		}
	case len(data) >= 4 && hex.EncodeToString(data[:4]) == selectorTransfer:
		recipient, amount, err := a.unpackAddressAmount("transfer", data)
		if err != nil {
			return nil, err
		}
		op = chain.Operation{
			Kind:           chain.OpTokenTransfer,
			To:             recipient,
			TokenAddress:   to,
			MethodSelector: selectorTransfer,
			Amount:         amount,
		}
	case len(data) >= 4 && hex.EncodeToString(data[:4]) == selectorApprove:
		spender, amount, err := a.unpackAddressAmount("approve", data)
		if err != nil {
			return nil, err
		}
		op = chain.Operation{
			Kind:           chain.OpApprove,
			To:             to,
			TokenAddress:   to,
			Spender:        spender,
			MethodSelector: selectorApprove,
			Amount:         amount,
		}
	default:
		selector := ""
		if len(data) >= 4 {
			selector = hex.EncodeToString(data[:4])
		}
		op = chain.Operation{
			Kind:           chain.OpContractCall,
			To:             to,
			MethodSelector: selector,
			Amount:         new(big.Int).Set(tx.Value()),
		}
	}

	return &chain.ParsedTx{Operations: []chain.Operation{op}, RawTx: rawBlob}, nil
}

// SignExternalTransaction 对外部交易签名并返回可广播的字节与哈希。
func (a *Adapter) SignExternalTransaction(_ context.Context, rawBlob, privateKey []byte) (*chain.SignedTx, error) {
	tx, err := decodeTx(rawBlob)
	if err != nil {
		return nil, err
	}
	signed, err := a.signTx(tx, privateKey)
	if err != nil {
		return nil, err
	}
	serialized, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "序列化已签名交易失败")
	}
	return &chain.SignedTx{
		SignedTransaction: serialized,
		TxHash:            signed.Hash().Hex(),
	}, nil
}

func (a *Adapter) unpackAddressAmount(method string, data []byte) (string, *big.Int, error) {
	m, ok := a.erc20.Methods[method]
	if !ok {
		return "", nil, xerrors.New(xerrors.CodeChainFailure, "未知的 ERC20 方法: "+method)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码 "+method+" 参数失败")
	}
	addr, ok := args[0].(common.Address)
	if !ok {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "解码 "+method+" 地址参数失败")
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "解码 "+method+" 金额参数失败")
	}
	return addr.Hex(), amount, nil
}
