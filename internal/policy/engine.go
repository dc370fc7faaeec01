package policy

import (
	"context"
	"math/big"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/pkg/logger"
)

// Request 描述一笔待裁决的交易。金额使用大整数，单位为链上最小面额。
type Request struct {
	WalletID       string
	TxID           string
	Network        string
	Type           transaction.Type
	Amount         *big.Int
	ToAddress      string
	TokenAddress   string
	MethodSelector string
	Spender        string
}

// Result 是策略引擎的裁决结果。Allowed 为 false 时 Reason 说明拒绝原因；
// Tier 为 DELAY 时附带 DelaySeconds。
type Result struct {
	Allowed      bool   `json:"allowed"`
	Tier         Tier   `json:"tier,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ReservationStore 是策略引擎对交易存储的最小依赖：
// 预留额度的求和、独占写入与释放。
type ReservationStore interface {
	SumReserved(ctx context.Context, walletID, excludeTxID string) (*big.Int, error)
	ReserveWithin(ctx context.Context, walletID, txID string, fn transaction.ReserveFunc) error
	ReleaseReservation(ctx context.Context, txID string) error
}

// Engine 按「先拒绝后分档」的顺序裁决交易，
// 并在需要时以独占事务完成预留记账。
type Engine struct {
	policies     Store
	reservations ReservationStore
}

// NewEngine 创建策略引擎。
func NewEngine(policies Store, reservations ReservationStore) (*Engine, error) {
	if policies == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略存储不能为空")
	}
	if reservations == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留存储不能为空")
	}
	return &Engine{policies: policies, reservations: reservations}, nil
}

// Evaluate 对交易做只读裁决，不产生任何预留，用于预览。
// 结果基于当下的未结清总额，并发场景下仅供参考。
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	resolved, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	outstanding, err := e.reservations.SumReserved(ctx, req.WalletID, req.TxID)
	if err != nil {
		return nil, err
	}
	result, err := decide(resolved, req, outstanding)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EvaluateAndReserve 在一个独占事务内完成「求和 → 裁决 → 写预留」。
// 同一钱包的并发调用被串行化，后到者的求和必然包含先到者刚写入的预留，
// 并发接受的预留总额不会超过串行执行允许的范围。
func (e *Engine) EvaluateAndReserve(ctx context.Context, req Request) (*Result, error) {
	resolved, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = e.reservations.ReserveWithin(ctx, req.WalletID, req.TxID, func(outstanding *big.Int) (*big.Int, error) {
		decision, decideErr := decide(resolved, req, outstanding)
		if decideErr != nil {
			return nil, decideErr
		}
		result = decision
		if !decision.Allowed {
			return nil, nil
		}
		// 写入的是本交易自身的金额，而非累计总和。
		amount := req.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		return amount, nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Allowed {
		logger.Named("policy").Info("策略拒绝交易",
			"wallet_id", req.WalletID, "tx_id", req.TxID, "reason", result.Reason)
	}
	return result, nil
}

// ReleaseReservation 清除交易的预留额度。
// 拒绝、取消或执行失败后调用，避免未结清总额被永久抬高。
func (e *Engine) ReleaseReservation(ctx context.Context, txID string) error {
	return e.reservations.ReleaseReservation(ctx, txID)
}

func (e *Engine) resolve(ctx context.Context, req Request) (map[Type]*Policy, error) {
	if req.WalletID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	policies, err := e.policies.ListForWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	return Resolve(policies, req.WalletID, req.Network), nil
}

// decide 按固定顺序裁决：先执行全部拒绝类检查（与策略 Priority 无关），
// 全部通过后再按 SPENDING_LIMIT 分档。
func decide(resolved map[Type]*Policy, req Request, outstanding *big.Int) (*Result, error) {
	if denied := checkWhitelist(resolved, req); denied != nil {
		return denied, nil
	}
	if denied := checkContractRules(resolved, req); denied != nil {
		return denied, nil
	}
	if denied := checkAllowedTokens(resolved, req); denied != nil {
		return denied, nil
	}
	return decideTier(resolved, req, outstanding)
}

func checkWhitelist(resolved map[Type]*Policy, req Request) *Result {
	p, ok := resolved[TypeWhitelist]
	if !ok || req.ToAddress == "" {
		return nil
	}
	if !addressAllowed(ruleAddressSet(p.Rules, "addresses"), req.ToAddress) {
		return deny("目标地址不在 whitelist 中: " + req.ToAddress)
	}
	return nil
}

func checkContractRules(resolved map[Type]*Policy, req Request) *Result {
	if req.Type == transaction.TypeContractCall {
		if p, ok := resolved[TypeContractWhitelist]; ok {
			if !addressAllowed(ruleAddressSet(p.Rules, "contracts"), req.ToAddress) {
				return deny("合约地址不在 whitelist 中: " + req.ToAddress)
			}
		}
		if p, ok := resolved[TypeMethodWhitelist]; ok && req.MethodSelector != "" {
			if !addressAllowed(ruleAddressSet(p.Rules, "methods"), req.MethodSelector) {
				return deny("合约方法不在 whitelist 中: " + req.MethodSelector)
			}
		}
	}
	if req.Type == transaction.TypeApprove {
		if p, ok := resolved[TypeApprovedSpenders]; ok {
			if !addressAllowed(ruleAddressSet(p.Rules, "spenders"), req.Spender) {
				return deny("授权对象不在允许名单中: " + req.Spender)
			}
		}
	}
	return nil
}

func checkAllowedTokens(resolved map[Type]*Policy, req Request) *Result {
	if req.Type != transaction.TypeTokenTransfer {
		return nil
	}
	p, ok := resolved[TypeAllowedTokens]
	if !ok {
		return nil
	}
	if !addressAllowed(ruleAddressSet(p.Rules, "tokens"), req.TokenAddress) {
		return deny("代币不在允许名单中: " + req.TokenAddress)
	}
	return nil
}

// decideTier 按精确的大整数比较分档，下界归属低档（effective == instant_max 仍为 INSTANT）。
// 未配置任何 SPENDING_LIMIT 时无条件 INSTANT。
func decideTier(resolved map[Type]*Policy, req Request, outstanding *big.Int) (*Result, error) {
	p, ok := resolved[TypeSpendingLimit]
	if !ok {
		return &Result{Allowed: true, Tier: TierInstant}, nil
	}
	rules, err := parseSpendingLimit(p.Rules)
	if err != nil {
		return nil, err
	}

	effective := new(big.Int)
	if outstanding != nil {
		effective.Set(outstanding)
	}
	if req.Amount != nil {
		effective.Add(effective, req.Amount)
	}

	switch {
	case effective.Cmp(rules.InstantMax) <= 0:
		return &Result{Allowed: true, Tier: TierInstant}, nil
	case effective.Cmp(rules.NotifyMax) <= 0:
		return &Result{Allowed: true, Tier: TierNotify}, nil
	case effective.Cmp(rules.DelayMax) <= 0:
		return &Result{Allowed: true, Tier: TierDelay, DelaySeconds: rules.DelaySeconds}, nil
	default:
		return &Result{Allowed: true, Tier: TierApproval}, nil
	}
}

func addressAllowed(allowed map[string]struct{}, candidate string) bool {
	if len(allowed) == 0 {
		return false
	}
	_, ok := allowed[normalizeAddress(candidate)]
	return ok
}

func deny(reason string) *Result {
	return &Result{Allowed: false, Reason: reason}
}
