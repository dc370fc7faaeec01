// Package ethereum 实现 EVM 链的适配器。
package ethereum

import (
	"context"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
)

// erc20ABI 覆盖支出裁决需要识别的两个方法。
const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Config 描述如何构建一个 EVM 适配器。
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	Confirmations   uint64
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
}

// Adapter 基于 go-ethereum 实现 chain.Adapter。
type Adapter struct {
	name            string
	eth             *ethclient.Client
	chainID         *big.Int
	erc20           abi.ABI
	confirmations   uint64
	confirmTimeout  time.Duration
	confirmInterval time.Duration
}

// NewAdapter 连接 RPC 节点并返回可用的适配器。
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "连接以太坊节点失败")
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "获取链 ID 失败")
		}
	}

	adapter, err := newAdapter(cfg, chainID)
	if err != nil {
		eth.Close()
		return nil, err
	}
	adapter.eth = eth
	return adapter, nil
}

// newAdapter 完成与网络无关的初始化，离线路径（解析、外部签名）可独立测试。
func newAdapter(cfg Config, chainID *big.Int) (*Adapter, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "解析 ERC20 ABI 失败")
	}
	name := cfg.Name
	if name == "" {
		name = "ethereum"
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	confirmInterval := cfg.ConfirmInterval
	if confirmInterval <= 0 {
		confirmInterval = 2 * time.Second
	}
	return &Adapter{
		name:            name,
		chainID:         new(big.Int).Set(chainID),
		erc20:           parsed,
		confirmations:   confirmations,
		confirmTimeout:  confirmTimeout,
		confirmInterval: confirmInterval,
	}, nil
}

// Name 实现 chain.Adapter 接口。
func (a *Adapter) Name() string { return a.name }

// Close 释放网络连接。
func (a *Adapter) Close() {
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
}

// BuildTransaction 构建原生转账。
func (a *Adapter) BuildTransaction(ctx context.Context, params chain.BuildParams) (*chain.UnsignedTx, error) {
	if params.To == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账目标地址不能为空")
	}
	return a.buildRaw(ctx, params.From, params.To, params.Amount, nil, params.GasLimit)
}

// BuildTokenTransfer 构建 ERC20 transfer 调用。
func (a *Adapter) BuildTokenTransfer(ctx context.Context, params chain.BuildParams) (*chain.UnsignedTx, error) {
	if params.TokenAddress == "" || params.To == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币转账需要代币地址与目标地址")
	}
	data, err := a.erc20.Pack("transfer", common.HexToAddress(params.To), amountOrZero(params.Amount))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 transfer 调用失败")
	}
	return a.buildRaw(ctx, params.From, params.TokenAddress, nil, data, params.GasLimit)
}

// BuildContractCall 构建任意合约调用。
func (a *Adapter) BuildContractCall(ctx context.Context, params chain.BuildParams) (*chain.UnsignedTx, error) {
	if params.To == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "合约地址不能为空")
	}
	return a.buildRaw(ctx, params.From, params.To, params.Amount, params.Data, params.GasLimit)
}

// BuildApprove 构建 ERC20 approve 调用。
func (a *Adapter) BuildApprove(ctx context.Context, params chain.BuildParams) (*chain.UnsignedTx, error) {
	if params.TokenAddress == "" || params.Spender == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权需要代币地址与被授权地址")
	}
	data, err := a.erc20.Pack("approve", common.HexToAddress(params.Spender), amountOrZero(params.Amount))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 approve 调用失败")
	}
	return a.buildRaw(ctx, params.From, params.TokenAddress, nil, data, params.GasLimit)
}

// BuildBatch 依次构建多笔交易，nonce 连续递增。
func (a *Adapter) BuildBatch(ctx context.Context, batch []chain.BuildParams) ([]*chain.UnsignedTx, error) {
	if len(batch) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量构建不能为空")
	}
	if a.eth == nil {
		return nil, chain.ErrChainUnavailable
	}
	nonce, err := a.eth.PendingNonceAt(ctx, common.HexToAddress(batch[0].From))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}

	unsigned := make([]*chain.UnsignedTx, 0, len(batch))
	for i, params := range batch {
		var built *chain.UnsignedTx
		var buildErr error
		switch {
		case params.TokenAddress != "" && params.Spender != "":
			built, buildErr = a.BuildApprove(ctx, params)
		case params.TokenAddress != "":
			built, buildErr = a.BuildTokenTransfer(ctx, params)
		case len(params.Data) > 0:
			built, buildErr = a.BuildContractCall(ctx, params)
		default:
			built, buildErr = a.BuildTransaction(ctx, params)
		}
		if buildErr != nil {
			return nil, buildErr
		}
		if built, buildErr = a.rewriteNonce(built, nonce+uint64(i)); buildErr != nil {
			return nil, buildErr
		}
		unsigned = append(unsigned, built)
	}
	return unsigned, nil
}

func (a *Adapter) buildRaw(ctx context.Context, from, to string, amount *big.Int, data []byte, gasLimit uint64) (*chain.UnsignedTx, error) {
	if a.eth == nil {
		return nil, chain.ErrChainUnavailable
	}
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	nonce, err := a.eth.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}
	gasPrice, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 gas 价格失败")
	}

	value := amountOrZero(amount)
	if gasLimit == 0 {
		gasLimit, err = a.eth.EstimateGas(ctx, gethcore.CallMsg{
			From: fromAddr, To: &toAddr, Value: value, Data: data,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 gas 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "序列化交易失败")
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return &chain.UnsignedTx{
		Serialized:   serialized,
		EstimatedFee: fee,
		Metadata: map[string]any{
			"from":      from,
			"nonce":     nonce,
			"gas_limit": gasLimit,
			"gas_price": gasPrice.String(),
		},
	}, nil
}

func (a *Adapter) rewriteNonce(unsigned *chain.UnsignedTx, nonce uint64) (*chain.UnsignedTx, error) {
	tx, err := decodeTx(unsigned.Serialized)
	if err != nil {
		return nil, err
	}
	rewritten := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       tx.To(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Data:     tx.Data(),
	})
	serialized, err := rewritten.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "序列化交易失败")
	}
	unsigned.Serialized = serialized
	unsigned.Metadata["nonce"] = nonce
	return unsigned, nil
}

// SimulateTransaction 以 eth_call 预执行交易，revert 会在这里暴露。
func (a *Adapter) SimulateTransaction(ctx context.Context, unsigned *chain.UnsignedTx, from string) error {
	if a.eth == nil {
		return chain.ErrChainUnavailable
	}
	tx, err := decodeTx(unsigned.Serialized)
	if err != nil {
		return err
	}
	msg := gethcore.CallMsg{
		From:  common.HexToAddress(from),
		To:    tx.To(),
		Value: tx.Value(),
		Data:  tx.Data(),
		Gas:   tx.Gas(),
	}
	if _, err := a.eth.CallContract(ctx, msg, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "交易模拟失败")
	}
	return nil
}

// SignTransaction 用私钥对未签名交易签名。
func (a *Adapter) SignTransaction(_ context.Context, unsigned *chain.UnsignedTx, privateKey []byte) ([]byte, error) {
	tx, err := decodeTx(unsigned.Serialized)
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
	return serialized, nil
}

// SubmitTransaction 广播已签名交易。
func (a *Adapter) SubmitTransaction(ctx context.Context, signed []byte) (*chain.SubmitResult, error) {
	if a.eth == nil {
		return nil, chain.ErrChainUnavailable
	}
	tx, err := decodeTx(signed)
	if err != nil {
		return nil, err
	}
	if err := a.eth.SendTransaction(ctx, tx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "广播交易失败")
	}
	return &chain.SubmitResult{TxHash: tx.Hash().Hex(), Status: "SUBMITTED"}, nil
}

// WaitForConfirmation 轮询回执直到达到要求的确认数或超时。
func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	if a.eth == nil {
		return nil, chain.ErrChainUnavailable
	}
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(a.confirmTimeout)
	ticker := time.NewTicker(a.confirmInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			head, headErr := a.eth.BlockNumber(ctx)
			if headErr != nil {
				return nil, xerrors.Wrap(xerrors.CodeChainFailure, headErr, "查询区块高度失败")
			}
			confirmations := uint64(0)
			if head >= receipt.BlockNumber.Uint64() {
				confirmations = head - receipt.BlockNumber.Uint64() + 1
			}
			if confirmations >= a.confirmations {
				if receipt.Status == coretypes.ReceiptStatusSuccessful {
					return &chain.Confirmation{Success: true, Status: "CONFIRMED", Confirmations: confirmations}, nil
				}
				return &chain.Confirmation{Success: false, Status: "REVERTED", Confirmations: confirmations}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, xerrors.New(xerrors.CodeTimeout, "等待交易确认超时: "+txHash)
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认被取消")
		case <-ticker.C:
		}
	}
}

func (a *Adapter) signTx(tx *coretypes.Transaction, privateKey []byte) (*coretypes.Transaction, error) {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeKeystoreFailure, err, "解析私钥失败")
	}
	signer := coretypes.LatestSignerForChainID(a.chainID)
	signed, err := coretypes.SignTx(tx, signer, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	return signed, nil
}

func decodeTx(raw []byte) (*coretypes.Transaction, error) {
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易内容为空")
	}
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码交易失败")
	}
	return tx, nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var _ chain.Adapter = (*Adapter)(nil)
