package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/notify"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"
)

// BatchLeg 是批量交易中的一笔子交易。金额用十进制字符串表示，
// 避免经由 JSON 往返时丢失精度。
type BatchLeg struct {
	Type         transaction.Type `json:"type"`
	ToAddress    string           `json:"to_address"`
	Amount       string           `json:"amount,omitempty"`
	TokenAddress string           `json:"token_address,omitempty"`
	Spender      string           `json:"spender,omitempty"`
	Data         string           `json:"data,omitempty"`
	GasLimit     uint64           `json:"gas_limit,omitempty"`
}

// submitBatch 处理 BATCH 类型的提交。每条腿先单独过拒绝类检查，
// 额度分档按支出合计一次完成；子交易腿随交易持久化，
// 搁置后唤醒时据此重建构建参数。
func (p *Pipeline) submitBatch(ctx context.Context, req SubmitRequest, w *wallet.Wallet) (*Outcome, error) {
	total := new(big.Int)
	for i, leg := range req.Batch {
		if !batchLegType(leg.Type) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("第 %d 笔子交易类型不支持: %s", i+1, leg.Type))
		}
		amount, err := parseLegAmount(leg.Amount)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("第 %d 笔子交易金额非法: %s", i+1, leg.Amount))
		}
		if leg.Type != transaction.TypeApprove {
			total.Add(total, amount)
		}
		result, err := p.engine.Evaluate(ctx, legRequest(req, leg))
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return nil, xerrors.New(xerrors.CodePolicyDenied, result.Reason)
		}
	}

	now := time.Now().Unix()
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata["batch"] = req.Batch
	tx := &transaction.Transaction{
		ID:        uuid.NewString(),
		WalletID:  req.WalletID,
		SessionID: req.SessionID,
		Chain:     req.Chain,
		Network:   req.Network,
		Type:      transaction.TypeBatch,
		Status:    transaction.StatusPending,
		Amount:    total,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	result, err := p.engine.EvaluateAndReserve(ctx, policy.Request{
		WalletID: req.WalletID,
		TxID:     tx.ID,
		Network:  req.Network,
		Type:     transaction.TypeBatch,
		Amount:   total,
	})
	if err != nil {
		_ = p.txs.MarkFailed(ctx, tx.ID, "策略裁决失败: "+err.Error())
		return nil, err
	}
	if !result.Allowed {
		_ = p.txs.MarkCancelled(ctx, tx.ID, result.Reason)
		return nil, xerrors.New(xerrors.CodePolicyDenied, result.Reason,
			xerrors.WithMetadata("tx_id", tx.ID))
	}

	return p.wait(ctx, tx, w, result)
}

// executeBatch 构建并逐笔提交全部子交易。nonce 由适配器连续分配，
// 因此提交顺序必须与构建顺序一致。首笔即失败按整单 FAILED 处理；
// 已有子交易上链后再失败则落为 PARTIAL_FAILURE，保留已上链的哈希。
func (p *Pipeline) executeBatch(ctx context.Context, adapter chain.Adapter, tx *transaction.Transaction, w *wallet.Wallet) (*chain.SubmitResult, error) {
	legs, err := batchLegs(tx.Metadata)
	if err != nil {
		p.fail(ctx, tx, "重建批量参数失败: "+err.Error())
		return nil, err
	}

	params := make([]chain.BuildParams, len(legs))
	for i, leg := range legs {
		amount, err := parseLegAmount(leg.Amount)
		if err != nil {
			p.fail(ctx, tx, "重建批量参数失败: "+err.Error())
			return nil, err
		}
		data, err := decodeData(leg.Data)
		if err != nil {
			p.fail(ctx, tx, "重建批量参数失败: "+err.Error())
			return nil, err
		}
		params[i] = chain.BuildParams{
			From:         w.PublicKey,
			To:           leg.ToAddress,
			Amount:       amount,
			TokenAddress: leg.TokenAddress,
			Spender:      leg.Spender,
			Data:         data,
			GasLimit:     leg.GasLimit,
		}
	}

	unsigned, err := adapter.BuildBatch(ctx, params)
	if err != nil {
		p.fail(ctx, tx, "构建批量交易失败: "+err.Error())
		return nil, err
	}
	for _, u := range unsigned {
		if err := adapter.SimulateTransaction(ctx, u, w.PublicKey); err != nil {
			p.fail(ctx, tx, "模拟执行失败: "+err.Error())
			return nil, err
		}
	}

	// 一次签名窗口内签完全部子交易，窗口关闭即擦除明文私钥。
	signedAll := make([][]byte, 0, len(unsigned))
	if _, err := p.sign(ctx, tx.WalletID, func(key []byte) ([]byte, error) {
		for _, u := range unsigned {
			signed, err := adapter.SignTransaction(ctx, u, key)
			if err != nil {
				return nil, err
			}
			signedAll = append(signedAll, signed)
		}
		return nil, nil
	}); err != nil {
		p.fail(ctx, tx, "签名失败: "+err.Error())
		return nil, err
	}

	hashes := make([]string, 0, len(signedAll))
	for i, signed := range signedAll {
		result, err := adapter.SubmitTransaction(ctx, signed)
		if err != nil {
			if len(hashes) == 0 {
				p.fail(ctx, tx, "批量提交失败: "+err.Error())
				return nil, err
			}
			reason := fmt.Sprintf("第 %d 笔子交易提交失败: %v", i+1, err)
			p.markPartial(ctx, tx, strings.Join(hashes, ","), reason)
			return nil, xerrors.New(xerrors.CodeChainFailure, reason,
				xerrors.WithMetadata("tx_id", tx.ID))
		}
		hashes = append(hashes, result.TxHash)
	}

	joined := strings.Join(hashes, ",")
	if err := p.txs.MarkSubmitted(ctx, tx.ID, joined); err != nil {
		return nil, err
	}
	tx.TxHash = joined

	logger.Audit().Info("批量交易已提交上链",
		"tx_id", tx.ID, "wallet_id", tx.WalletID, "count", len(hashes))
	p.emit(ctx, "tx.submitted", tx)
	return &chain.SubmitResult{TxHash: joined}, nil
}

// confirmBatch 逐笔等待确认。全部成功才算 CONFIRMED，
// 有子交易失败时整单落为 PARTIAL_FAILURE（全失败则 FAILED）。
func (p *Pipeline) confirmBatch(ctx context.Context, adapter chain.Adapter, tx *transaction.Transaction) error {
	hashes := strings.Split(tx.TxHash, ",")
	var failed []string
	for _, hash := range hashes {
		confirmation, err := adapter.WaitForConfirmation(ctx, hash)
		if err != nil || !confirmation.Success {
			failed = append(failed, hash)
		}
	}
	if len(failed) > 0 {
		reason := "子交易未确认: " + strings.Join(failed, ",")
		if len(failed) == len(hashes) {
			p.fail(ctx, tx, reason)
		} else {
			p.markPartial(ctx, tx, tx.TxHash, reason)
		}
		return xerrors.New(xerrors.CodeChainFailure, reason,
			xerrors.WithMetadata("tx_id", tx.ID))
	}

	if err := p.txs.MarkConfirmed(ctx, tx.ID, time.Now().Unix()); err != nil {
		return err
	}
	p.emitNotify(ctx, notify.EventTxConfirmed, tx)
	p.emit(ctx, "tx.confirmed", tx)
	logger.Audit().Info("批量交易确认完成",
		"tx_id", tx.ID, "wallet_id", tx.WalletID, "count", len(hashes))
	return nil
}

// markPartial 把交易落为 PARTIAL_FAILURE 并释放预留额度。
func (p *Pipeline) markPartial(ctx context.Context, tx *transaction.Transaction, txHash, reason string) {
	if err := p.txs.MarkPartialFailure(ctx, tx.ID, txHash, reason); err != nil {
		logger.Named("pipeline").Error("标记部分失败时出错", "tx_id", tx.ID, "error", err)
	}
	p.emitNotify(ctx, notify.EventTxFailed, tx)
	p.emit(ctx, "tx.partial_failure", tx)
}

// legRequest 把子交易腿映射为策略请求，金额置零：
// 这里只做拒绝类检查，额度分档由支出合计统一完成。
func legRequest(req SubmitRequest, leg BatchLeg) policy.Request {
	return policy.Request{
		WalletID:       req.WalletID,
		Network:        req.Network,
		Type:           leg.Type,
		Amount:         new(big.Int),
		ToAddress:      leg.ToAddress,
		TokenAddress:   leg.TokenAddress,
		Spender:        leg.Spender,
		MethodSelector: methodSelector(leg.Data),
	}
}

// batchLegs 从持久化的元数据中还原子交易腿。
// 内存存储里保留原始切片，MySQL 往返后变成 JSON 解码的通用结构，
// 两种形态都重新编解码一次归一化。
func batchLegs(metadata map[string]any) ([]BatchLeg, error) {
	raw, ok := metadata["batch"]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量交易缺少子交易记录")
	}
	if legs, ok := raw.([]BatchLeg); ok {
		return legs, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "子交易记录编码失败")
	}
	var legs []BatchLeg
	if err := json.Unmarshal(buf, &legs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "子交易记录解码失败")
	}
	if len(legs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量交易缺少子交易记录")
	}
	return legs, nil
}

func batchLegType(t transaction.Type) bool {
	switch t {
	case transaction.TypeTransfer, transaction.TypeTokenTransfer,
		transaction.TypeContractCall, transaction.TypeApprove:
		return true
	default:
		return false
	}
}

func parseLegAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须是非负十进制整数")
	}
	return v, nil
}
