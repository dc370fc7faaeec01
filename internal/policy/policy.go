package policy

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"strings"

	xerrors "AgentVault-Chain/internal/errors"
)

// Type 表示策略的种类，不同种类的策略在裁决时承担不同职责。
type Type string

const (
	TypeSpendingLimit     Type = "SPENDING_LIMIT"
	TypeWhitelist         Type = "WHITELIST"
	TypeAllowedTokens     Type = "ALLOWED_TOKENS"
	TypeContractWhitelist Type = "CONTRACT_WHITELIST"
	TypeMethodWhitelist   Type = "METHOD_WHITELIST"
	TypeApprovedSpenders  Type = "APPROVED_SPENDERS"
)

// Tier 是策略引擎对交易的裁决结论。
type Tier string

const (
	TierInstant  Tier = "INSTANT"
	TierNotify   Tier = "NOTIFY"
	TierDelay    Tier = "DELAY"
	TierApproval Tier = "APPROVAL"
)

// Policy 描述一条策略规则。WalletID 为空表示全局策略，
// Network 为空表示对所有网络生效。
type Policy struct {
	ID        string         `json:"id"`
	WalletID  string         `json:"wallet_id,omitempty"`
	Type      Type           `json:"type"`
	Network   string         `json:"network,omitempty"`
	Rules     map[string]any `json:"rules"`
	Priority  int            `json:"priority"`
	Enabled   bool           `json:"enabled"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

var (
	// ErrPolicyNotFound 表示指定的策略不存在。
	ErrPolicyNotFound = xerrors.New(xerrors.CodeNotFound, "policy not found")
	// ErrPolicyConflict 表示策略 ID 已存在。
	ErrPolicyConflict = xerrors.New(xerrors.CodeConflict, "policy already exists")
)

// Store 抽象了策略的持久化接口。
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	// ListForWallet 返回对指定钱包生效的全部启用策略：
	// 钱包自身的策略加上全局策略，网络过滤交由解析器处理。
	ListForWallet(ctx context.Context, walletID string) ([]*Policy, error)
	Close() error
}

// SpendingLimitRules 是 SPENDING_LIMIT 策略的结构化参数。
// 三档上限全部使用大整数，金额裁决绝不经过浮点。
type SpendingLimitRules struct {
	InstantMax   *big.Int
	NotifyMax    *big.Int
	DelayMax     *big.Int
	DelaySeconds int64
}

// parseSpendingLimit 从策略的 rules 字段解析三档上限。
// 金额字段接受十进制字符串或 JSON 整数。
func parseSpendingLimit(rules map[string]any) (*SpendingLimitRules, error) {
	instantMax, err := ruleAmount(rules, "instant_max")
	if err != nil {
		return nil, err
	}
	notifyMax, err := ruleAmount(rules, "notify_max")
	if err != nil {
		return nil, err
	}
	delayMax, err := ruleAmount(rules, "delay_max")
	if err != nil {
		return nil, err
	}
	return &SpendingLimitRules{
		InstantMax:   instantMax,
		NotifyMax:    notifyMax,
		DelayMax:     delayMax,
		DelaySeconds: ruleInt64(rules, "delay_seconds"),
	}, nil
}

func ruleAmount(rules map[string]any, key string) (*big.Int, error) {
	raw, ok := rules[key]
	if !ok || raw == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略缺少必填字段: "+key)
	}
	switch v := raw.(type) {
	case string:
		value, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略金额字段非法: "+key)
		}
		return value, nil
	case float64:
		// JSON 数字会被解码为 float64：带小数的值，以及达到 2^53 的整数
		// （此时相邻整数已无法区分）都存在精度损失，必须改用字符串。
		if v != math.Trunc(v) || math.Abs(v) >= 1<<53 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略金额字段存在精度损失，请改用字符串: "+key)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略金额字段类型不支持: "+key)
	}
}

// ruleInt64 与金额字段保持同一约定：十进制字符串与 JSON 整数都接受。
func ruleInt64(rules map[string]any, key string) int64 {
	switch v := rules[key].(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// normalizeAddress 统一地址写法，地址比较在所有链上一律大小写不敏感。
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ruleAddressSet 把 rules 中的地址列表转换为小写集合。
func ruleAddressSet(rules map[string]any, key string) map[string]struct{} {
	raw, ok := rules[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]string); ok {
			set := make(map[string]struct{}, len(typed))
			for _, item := range typed {
				set[normalizeAddress(item)] = struct{}{}
			}
			return set
		}
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			set[normalizeAddress(s)] = struct{}{}
		}
	}
	return set
}
