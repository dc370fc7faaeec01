package pipeline

import (
	"context"
	"time"

	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/notify"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"
)

// execute 完成构建、模拟、签名与提交，成功后交易进入 SUBMITTED。
// 任何失败都把交易落为 FAILED 并释放预留额度。
func (p *Pipeline) execute(ctx context.Context, tx *transaction.Transaction, w *wallet.Wallet) (*chain.SubmitResult, error) {
	adapter, err := p.chains.Adapter(tx.Chain)
	if err != nil {
		p.fail(ctx, tx, "链不可用: "+tx.Chain)
		return nil, err
	}
	if tx.Type == transaction.TypeBatch {
		return p.executeBatch(ctx, adapter, tx, w)
	}

	unsigned, err := p.build(ctx, adapter, tx, w)
	if err != nil {
		p.fail(ctx, tx, "构建交易失败: "+err.Error())
		return nil, err
	}

	if err := adapter.SimulateTransaction(ctx, unsigned, w.PublicKey); err != nil {
		p.fail(ctx, tx, "模拟执行失败: "+err.Error())
		return nil, err
	}

	signed, err := p.sign(ctx, tx.WalletID, func(key []byte) ([]byte, error) {
		return adapter.SignTransaction(ctx, unsigned, key)
	})
	if err != nil {
		p.fail(ctx, tx, "签名失败: "+err.Error())
		return nil, err
	}

	result, err := adapter.SubmitTransaction(ctx, signed)
	if err != nil {
		p.fail(ctx, tx, "提交失败: "+err.Error())
		return nil, err
	}
	if err := p.txs.MarkSubmitted(ctx, tx.ID, result.TxHash); err != nil {
		return nil, err
	}
	tx.TxHash = result.TxHash

	logger.Audit().Info("交易已提交上链",
		"tx_id", tx.ID, "wallet_id", tx.WalletID, "tx_hash", result.TxHash)
	p.emit(ctx, "tx.submitted", tx)
	return result, nil
}

// confirm 等待链上确认并写入终态。
func (p *Pipeline) confirm(ctx context.Context, tx *transaction.Transaction) error {
	adapter, err := p.chains.Adapter(tx.Chain)
	if err != nil {
		p.fail(ctx, tx, "链不可用: "+tx.Chain)
		return err
	}
	if tx.Type == transaction.TypeBatch {
		return p.confirmBatch(ctx, adapter, tx)
	}

	confirmation, err := adapter.WaitForConfirmation(ctx, tx.TxHash)
	if err != nil {
		p.fail(ctx, tx, "等待确认失败: "+err.Error())
		return err
	}
	if !confirmation.Success {
		p.fail(ctx, tx, "链上执行失败: "+confirmation.Status)
		return xerrors.New(xerrors.CodeChainFailure,
			"链上执行失败", xerrors.WithMetadata("tx_id", tx.ID))
	}

	if err := p.txs.MarkConfirmed(ctx, tx.ID, time.Now().Unix()); err != nil {
		return err
	}
	p.emitNotify(ctx, notify.EventTxConfirmed, tx)
	p.emit(ctx, "tx.confirmed", tx)
	logger.Audit().Info("交易确认完成",
		"tx_id", tx.ID, "wallet_id", tx.WalletID, "confirmations", confirmation.Confirmations)
	return nil
}

// build 按交易类型选择构建入口。
func (p *Pipeline) build(ctx context.Context, adapter chain.Adapter, tx *transaction.Transaction, w *wallet.Wallet) (*chain.UnsignedTx, error) {
	data, err := decodeData(tx.Data)
	if err != nil {
		return nil, err
	}
	params := chain.BuildParams{
		From:         w.PublicKey,
		To:           tx.ToAddress,
		Amount:       tx.Amount,
		TokenAddress: tx.TokenAddress,
		Spender:      metadataString(tx.Metadata, "spender"),
		Data:         data,
		GasLimit:     metadataUint64(tx.Metadata, "gas_limit"),
	}

	switch tx.Type {
	case transaction.TypeTransfer:
		return adapter.BuildTransaction(ctx, params)
	case transaction.TypeTokenTransfer:
		return adapter.BuildTokenTransfer(ctx, params)
	case transaction.TypeContractCall, transaction.TypeX402Payment:
		return adapter.BuildContractCall(ctx, params)
	case transaction.TypeApprove:
		return adapter.BuildApprove(ctx, params)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "该交易类型无法构建: "+string(tx.Type))
	}
}

// sign 在签名窗口内解密私钥，无论成败都擦除明文。
func (p *Pipeline) sign(ctx context.Context, walletID string, signFn func(key []byte) ([]byte, error)) ([]byte, error) {
	key, err := p.keys.DecryptPrivateKey(ctx, walletID, p.cfg.MasterPassword)
	if err != nil {
		return nil, err
	}
	defer p.keys.ReleaseKey(key)
	return signFn(key)
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

// metadataUint64 兼容 JSON 往返后数字被解码为 float64 的情形。
func metadataUint64(metadata map[string]any, key string) uint64 {
	if metadata == nil {
		return 0
	}
	switch v := metadata[key].(type) {
	case uint64:
		return v
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case int:
		if v > 0 {
			return uint64(v)
		}
	case float64:
		if v > 0 {
			return uint64(v)
		}
	}
	return 0
}
