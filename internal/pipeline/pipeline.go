// Package pipeline 实现交易的推进管线：鉴权 → 等待 → 执行 → 确认。
// 被策略分到 DELAY/APPROVAL 档的交易在等待阶段搁置，
// 由恢复队列在延迟到期或审批通过后送回执行阶段。
package pipeline

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentVault-Chain/internal/approval"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/delay"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/eventbus"
	"AgentVault-Chain/internal/keystore"
	"AgentVault-Chain/internal/notify"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"
)

// SubmitRequest 描述一笔由智能体发起的完整管线交易。
type SubmitRequest struct {
	WalletID     string           `json:"wallet_id"`
	SessionID    string           `json:"session_id"`
	Chain        string           `json:"chain"`
	Network      string           `json:"network"`
	Type         transaction.Type `json:"type"`
	Amount       *big.Int         `json:"amount"`
	ToAddress    string           `json:"to_address"`
	TokenAddress string           `json:"token_address,omitempty"`
	Spender      string           `json:"spender,omitempty"`
	Data         string           `json:"data,omitempty"`
	GasLimit     uint64           `json:"gas_limit,omitempty"`
	Batch        []BatchLeg       `json:"batch,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// Outcome 是管线一次推进的结果。
// Halted 表示交易被合法搁置（延迟或等待审批），不是错误。
type Outcome struct {
	Tx         *transaction.Transaction
	Halted     bool
	HaltReason string
}

// Config 是管线的运行参数。
type Config struct {
	MasterPassword         string
	ApprovalRequiredBy     string
	ApprovalTimeoutSeconds int64
}

// Pipeline 串联策略引擎、延迟队列、审批流程与链适配器。
type Pipeline struct {
	cfg       Config
	txs       transaction.Store
	wallets   wallet.Store
	engine    *policy.Engine
	delays    *delay.Queue
	approvals *approval.Workflow
	chains    *chain.Registry
	keys      keystore.KeyStore
	notifier  notify.Dispatcher
	bus       eventbus.Bus
}

// New 创建管线。notifier 与 bus 可为 nil，表示不发送通知或事件。
func New(cfg Config, txs transaction.Store, wallets wallet.Store, engine *policy.Engine,
	delays *delay.Queue, approvals *approval.Workflow, chains *chain.Registry,
	keys keystore.KeyStore, notifier notify.Dispatcher, bus eventbus.Bus) (*Pipeline, error) {
	if txs == nil || wallets == nil || engine == nil || delays == nil ||
		approvals == nil || chains == nil || keys == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "管线依赖不完整")
	}
	if cfg.ApprovalTimeoutSeconds <= 0 {
		cfg.ApprovalTimeoutSeconds = 3600
	}
	return &Pipeline{
		cfg:       cfg,
		txs:       txs,
		wallets:   wallets,
		engine:    engine,
		delays:    delays,
		approvals: approvals,
		chains:    chains,
		keys:      keys,
		notifier:  notifier,
		bus:       bus,
	}, nil
}

// Submit 接收交易并推进管线。返回的 Outcome 中：
//   - Halted 为 true：交易已持久化并搁置，等待唤醒；
//   - 否则交易已走完执行阶段，状态见 Tx.Status。
//
// 策略拒绝返回 POLICY_DENIED 错误，交易落为 CANCELLED。
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	// SIGN 类型只签名不广播，走独立的 Sign 入口。
	if req.Type == transaction.TypeSign {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SIGN 类型请使用外部签名接口")
	}
	w, err := p.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Type == transaction.TypeBatch {
		return p.submitBatch(ctx, req, w)
	}

	tx := p.newTransaction(req)
	if err := p.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	result, err := p.engine.EvaluateAndReserve(ctx, policy.Request{
		WalletID:       req.WalletID,
		TxID:           tx.ID,
		Network:        req.Network,
		Type:           req.Type,
		Amount:         req.Amount,
		ToAddress:      req.ToAddress,
		TokenAddress:   req.TokenAddress,
		MethodSelector: methodSelector(req.Data),
		Spender:        req.Spender,
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

// wait 按分档决定交易去向：INSTANT/NOTIFY 同步执行，DELAY/APPROVAL 搁置。
func (p *Pipeline) wait(ctx context.Context, tx *transaction.Transaction, w *wallet.Wallet, result *policy.Result) (*Outcome, error) {
	switch result.Tier {
	case policy.TierInstant:
		return p.runExecution(ctx, tx, w)

	case policy.TierNotify:
		p.emitNotify(ctx, notify.EventTxNotify, tx)
		return p.runExecution(ctx, tx, w)

	case policy.TierDelay:
		if err := p.delays.QueueDelay(ctx, tx.ID, tx.WalletID, result.DelaySeconds); err != nil {
			// 预留已写入，搁置失败必须落 FAILED 释放额度。
			p.fail(ctx, tx, "延迟入队失败: "+err.Error())
			return nil, err
		}
		p.emitNotify(ctx, notify.EventTxQueued, tx)
		p.emit(ctx, "tx.delayed", tx)
		current, err := p.txs.Get(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Tx: current, Halted: true, HaltReason: "delayed by policy"}, nil

	case policy.TierApproval:
		_, err := p.approvals.RequestApproval(ctx, tx.ID, tx.WalletID,
			p.cfg.ApprovalRequiredBy, p.cfg.ApprovalTimeoutSeconds)
		if err != nil {
			p.fail(ctx, tx, "审批登记失败: "+err.Error())
			return nil, err
		}
		p.emitNotify(ctx, notify.EventApprovalRequested, tx)
		p.emit(ctx, "tx.approval_requested", tx)
		current, err := p.txs.Get(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Tx: current, Halted: true, HaltReason: "pending owner approval"}, nil

	default:
		p.fail(ctx, tx, "未知的策略分档: "+string(result.Tier))
		return nil, xerrors.New(xerrors.CodeUnknown, "未知的策略分档: "+string(result.Tier))
	}
}

// Resume 把被搁置后唤醒的交易重新送入执行阶段。
// 上下文完全从持久化的交易行重建；任何失败都落为 FAILED，错误只用于日志。
func (p *Pipeline) Resume(ctx context.Context, txID string) error {
	tx, err := p.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if transaction.IsTerminal(tx.Status) {
		logger.Named("pipeline").Info("跳过已终态交易", "tx_id", txID, "status", string(tx.Status))
		return nil
	}
	if tx.Status != transaction.StatusExecuting {
		return xerrors.New(xerrors.CodeConflict,
			"交易不在可恢复状态: "+string(tx.Status), xerrors.WithMetadata("tx_id", txID))
	}

	w, err := p.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		p.fail(ctx, tx, "恢复时找不到钱包: "+err.Error())
		return err
	}
	if _, err := p.execute(ctx, tx, w); err != nil {
		return err
	}
	return p.confirm(ctx, tx)
}

// runExecution 同步执行到 SUBMITTED，确认阶段放到后台完成。
func (p *Pipeline) runExecution(ctx context.Context, tx *transaction.Transaction, w *wallet.Wallet) (*Outcome, error) {
	if err := p.txs.MarkExecuting(ctx, tx.ID); err != nil {
		return nil, err
	}
	if _, err := p.execute(ctx, tx, w); err != nil {
		return nil, err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := p.confirm(ctx, tx); err != nil {
			logger.Named("pipeline").Warn("确认阶段失败", "tx_id", tx.ID, "error", err)
		}
	}()

	current, err := p.txs.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Tx: current}, nil
}

func (p *Pipeline) authorize(ctx context.Context, req SubmitRequest) (*wallet.Wallet, error) {
	if req.WalletID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	if req.Amount != nil && req.Amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为负")
	}
	if !transaction.IsValidType(req.Type) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的交易类型: "+string(req.Type))
	}
	if req.Type == transaction.TypeBatch && len(req.Batch) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量交易至少包含一笔子交易")
	}
	w, err := p.wallets.Get(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if w.Status != wallet.StatusActive {
		return nil, xerrors.New(xerrors.CodeConflict,
			"钱包不可用: "+string(w.Status), xerrors.WithMetadata("wallet_id", w.ID))
	}
	return w, nil
}

func (p *Pipeline) newTransaction(req SubmitRequest) *transaction.Transaction {
	now := time.Now().Unix()
	metadata := req.Metadata
	if req.Spender != "" || req.GasLimit > 0 {
		if metadata == nil {
			metadata = make(map[string]any, 2)
		}
	}
	if req.Spender != "" {
		metadata["spender"] = req.Spender
	}
	if req.GasLimit > 0 {
		metadata["gas_limit"] = req.GasLimit
	}
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return &transaction.Transaction{
		ID:           uuid.NewString(),
		WalletID:     req.WalletID,
		SessionID:    req.SessionID,
		Chain:        req.Chain,
		Network:      req.Network,
		Type:         req.Type,
		Status:       transaction.StatusPending,
		Amount:       amount,
		ToAddress:    req.ToAddress,
		TokenAddress: req.TokenAddress,
		Data:         req.Data,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// fail 把交易落为 FAILED 并释放预留额度。
func (p *Pipeline) fail(ctx context.Context, tx *transaction.Transaction, reason string) {
	if err := p.txs.MarkFailed(ctx, tx.ID, reason); err != nil {
		logger.Named("pipeline").Error("标记交易失败时出错", "tx_id", tx.ID, "error", err)
	}
	p.emitNotify(ctx, notify.EventTxFailed, tx)
	p.emit(ctx, "tx.failed", tx)
}

func (p *Pipeline) emitNotify(ctx context.Context, eventType notify.EventType, tx *transaction.Transaction) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, notify.Event{
		Type:     eventType,
		WalletID: tx.WalletID,
		Payload: map[string]any{
			"tx_id":  tx.ID,
			"type":   string(tx.Type),
			"amount": amountString(tx.Amount),
		},
	})
}

func (p *Pipeline) emit(ctx context.Context, topic string, tx *transaction.Transaction) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(ctx, topic, map[string]any{
		"tx_id":     tx.ID,
		"wallet_id": tx.WalletID,
	})
}

// methodSelector 提取 calldata 的前 4 字节选择器（十六进制，不带 0x）。
func methodSelector(data string) string {
	raw := strings.TrimPrefix(strings.ToLower(data), "0x")
	if len(raw) < 8 {
		return ""
	}
	return raw[:8]
}

func decodeData(data string) ([]byte, error) {
	raw := strings.TrimPrefix(data, "0x")
	if raw == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "calldata 不是合法的十六进制")
	}
	return decoded, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
