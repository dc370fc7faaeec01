package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/pkg/logger"
)

// SignRequest 描述一笔只签名不广播的外部交易。
type SignRequest struct {
	WalletID       string `json:"wallet_id"`
	SessionID      string `json:"session_id"`
	Chain          string `json:"chain"`
	Network        string `json:"network"`
	RawTransaction string `json:"raw_transaction"`
}

// SignResult 是签名的产物，广播由调用方自行负责。
type SignResult struct {
	TxID              string `json:"tx_id"`
	SignedTransaction []byte `json:"signed_transaction"`
	TxHash            string `json:"tx_hash"`
}

// Sign 解析外部交易、对其全部操作做策略裁决后签名返回。
// 支出合计按转账腿求和，已签名未广播的交易同样占用额度。
// 只接受 INSTANT/NOTIFY 两档：外部交易签完即脱离托管，
// 无法搁置后唤醒，需要延迟或审批的金额必须走完整管线。
func (p *Pipeline) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	w, err := p.authorize(ctx, SubmitRequest{WalletID: req.WalletID, Type: transaction.TypeSign})
	if err != nil {
		return nil, err
	}

	adapter, err := p.chains.Adapter(req.Chain)
	if err != nil {
		return nil, err
	}
	raw, err := decodeData(req.RawTransaction)
	if err != nil {
		return nil, err
	}
	parsed, err := adapter.ParseTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}

	// 逐操作执行拒绝类检查，任何一项不通过则整笔拒签。
	for _, op := range parsed.Operations {
		result, err := p.engine.Evaluate(ctx, opRequest(req, op))
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return nil, xerrors.New(xerrors.CodePolicyDenied, result.Reason)
		}
	}

	tx := &transaction.Transaction{
		ID:        uuid.NewString(),
		WalletID:  req.WalletID,
		SessionID: req.SessionID,
		Chain:     req.Chain,
		Network:   req.Network,
		Type:      transaction.TypeSign,
		Status:    transaction.StatusPending,
		Amount:    sumTransferLegs(parsed.Operations),
		CreatedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}
	if err := p.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	result, err := p.engine.EvaluateAndReserve(ctx, policy.Request{
		WalletID: req.WalletID,
		TxID:     tx.ID,
		Network:  req.Network,
		Type:     transaction.TypeSign,
		Amount:   tx.Amount,
	})
	if err != nil {
		_ = p.txs.MarkFailed(ctx, tx.ID, "策略裁决失败: "+err.Error())
		return nil, err
	}
	if !result.Allowed {
		_ = p.txs.MarkCancelled(ctx, tx.ID, result.Reason)
		return nil, xerrors.New(xerrors.CodePolicyDenied, result.Reason)
	}
	if result.Tier == policy.TierDelay || result.Tier == policy.TierApproval {
		reason := "金额需要延迟或审批，外部签名不支持搁置，请改用 POST /api/v1/transactions"
		_ = p.txs.MarkCancelled(ctx, tx.ID, reason)
		return nil, xerrors.New(xerrors.CodePolicyDenied, reason,
			xerrors.WithMetadata("tier", string(result.Tier)))
	}

	signed, err := p.signExternal(ctx, adapter, req.WalletID, raw)
	if err != nil {
		p.fail(ctx, tx, "外部交易签名失败: "+err.Error())
		return nil, err
	}
	if err := p.txs.MarkSigned(ctx, tx.ID, signed.TxHash); err != nil {
		return nil, err
	}

	logger.Audit().Info("外部交易签名完成",
		"tx_id", tx.ID, "wallet_id", w.ID, "tx_hash", signed.TxHash, "amount", amountString(tx.Amount))
	return &SignResult{
		TxID:              tx.ID,
		SignedTransaction: signed.SignedTransaction,
		TxHash:            signed.TxHash,
	}, nil
}

func (p *Pipeline) signExternal(ctx context.Context, adapter chain.Adapter, walletID string, raw []byte) (*chain.SignedTx, error) {
	key, err := p.keys.DecryptPrivateKey(ctx, walletID, p.cfg.MasterPassword)
	if err != nil {
		return nil, err
	}
	defer p.keys.ReleaseKey(key)
	return adapter.SignExternalTransaction(ctx, raw, key)
}

// opRequest 把解析出的操作映射为策略请求，金额置零：
// 这里只做拒绝类检查，额度分档由合计金额统一完成。
func opRequest(req SignRequest, op chain.Operation) policy.Request {
	r := policy.Request{
		WalletID:  req.WalletID,
		Network:   req.Network,
		ToAddress: op.To,
		Amount:    new(big.Int),
	}
	switch op.Kind {
	case chain.OpNativeTransfer:
		r.Type = transaction.TypeTransfer
	case chain.OpTokenTransfer:
		r.Type = transaction.TypeTokenTransfer
		r.TokenAddress = op.TokenAddress
	case chain.OpApprove:
		r.Type = transaction.TypeApprove
		r.Spender = op.Spender
	default:
		r.Type = transaction.TypeContractCall
		r.MethodSelector = op.MethodSelector
	}
	return r
}

// sumTransferLegs 合计全部支出腿：原生转账、代币转账与带 value 的合约调用。
func sumTransferLegs(ops []chain.Operation) *big.Int {
	total := new(big.Int)
	for _, op := range ops {
		if op.Kind == chain.OpApprove || op.Amount == nil {
			continue
		}
		total.Add(total, op.Amount)
	}
	return total
}
