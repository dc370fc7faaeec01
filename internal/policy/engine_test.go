package policy

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"AgentVault-Chain/internal/transaction"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *transaction.MemoryStore) {
	t.Helper()
	policies := NewMemoryStore()
	txs := transaction.NewMemoryStore()
	engine, err := NewEngine(policies, txs)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	return engine, policies, txs
}

func addSpendingLimit(t *testing.T, store *MemoryStore, walletID string, instant, notify, delay string, delaySeconds int64) {
	t.Helper()
	err := store.Create(context.Background(), &Policy{
		ID:       "limit-" + walletID,
		WalletID: walletID,
		Type:     TypeSpendingLimit,
		Enabled:  true,
		Rules: map[string]any{
			"instant_max":   instant,
			"notify_max":    notify,
			"delay_max":     delay,
			"delay_seconds": delaySeconds,
		},
	})
	if err != nil {
		t.Fatalf("写入 SPENDING_LIMIT 失败: %v", err)
	}
}

func addPendingTx(t *testing.T, store *transaction.MemoryStore, id, walletID, amount string) {
	t.Helper()
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		t.Fatalf("非法金额: %s", amount)
	}
	err := store.Create(context.Background(), &transaction.Transaction{
		ID:       id,
		WalletID: walletID,
		Type:     transaction.TypeTransfer,
		Status:   transaction.StatusPending,
		Amount:   value,
	})
	if err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
}

func amount(t *testing.T, raw string) *big.Int {
	t.Helper()
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("非法金额: %s", raw)
	}
	return value
}

func TestTierBoundariesInclusive(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	addSpendingLimit(t, policies, "w1", "1000000000", "2000000000", "3000000000", 300)

	tests := []struct {
		name   string
		amount string
		tier   Tier
	}{
		{"instant_max 边界归 INSTANT", "1000000000", TierInstant},
		{"instant_max+1 进入 NOTIFY", "1000000001", TierNotify},
		{"notify_max 边界归 NOTIFY", "2000000000", TierNotify},
		{"notify_max+1 进入 DELAY", "2000000001", TierDelay},
		{"delay_max 边界归 DELAY", "3000000000", TierDelay},
		{"delay_max+1 进入 APPROVAL", "3000000001", TierApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Evaluate(context.Background(), Request{
				WalletID: "w1",
				TxID:     "tx-preview",
				Type:     transaction.TypeTransfer,
				Amount:   amount(t, tt.amount),
			})
			if err != nil {
				t.Fatalf("Evaluate 失败: %v", err)
			}
			if !result.Allowed || result.Tier != tt.tier {
				t.Fatalf("期望 tier=%s, got %+v", tt.tier, result)
			}
			if tt.tier == TierDelay && result.DelaySeconds != 300 {
				t.Fatalf("DELAY 档应携带 delay_seconds, got %+v", result)
			}
		})
	}
}

func TestBigIntegerAmountsNoFloatRounding(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	// 2^53+1 超出 float64 的整数精度，必须按大整数精确分档。
	addSpendingLimit(t, policies, "w1", "9007199254740992", "18014398509481984", "36028797018963968", 60)

	result, err := engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "9007199254740993"),
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if result.Tier != TierNotify {
		t.Fatalf("2^53+1 超过 instant_max 应为 NOTIFY, got %+v", result)
	}

	result, err = engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "9007199254740992"),
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if result.Tier != TierInstant {
		t.Fatalf("恰好等于 instant_max 应为 INSTANT, got %+v", result)
	}
}

func TestDelaySecondsAcceptsDecimalString(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	// 规则的规范写法是十进制字符串，delay_seconds 与三档上限同一约定。
	err := policies.Create(context.Background(), &Policy{
		ID:       "limit-str",
		WalletID: "w1",
		Type:     TypeSpendingLimit,
		Enabled:  true,
		Rules: map[string]any{
			"instant_max":   "100",
			"notify_max":    "200",
			"delay_max":     "300",
			"delay_seconds": "60",
		},
	})
	if err != nil {
		t.Fatalf("写入 SPENDING_LIMIT 失败: %v", err)
	}

	result, err := engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "250"),
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if result.Tier != TierDelay {
		t.Fatalf("250 应落入 DELAY 档, got %+v", result)
	}
	if result.DelaySeconds != 60 {
		t.Fatalf("字符串 delay_seconds 必须解析生效, got %d", result.DelaySeconds)
	}
}

func TestFloatRulesRejectedBeyondIntegerPrecision(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	// 9007199254740993 (2^53+1) 经 JSON 解码为 float64 后已丢失个位，
	// 引擎必须拒绝而不是带着被舍入的上限分档。
	err := policies.Create(context.Background(), &Policy{
		ID:       "limit-float",
		WalletID: "w1",
		Type:     TypeSpendingLimit,
		Enabled:  true,
		Rules: map[string]any{
			"instant_max":   float64(9007199254740993),
			"notify_max":    float64(9007199254740993),
			"delay_max":     float64(9007199254740993),
			"delay_seconds": 60,
		},
	})
	if err != nil {
		t.Fatalf("写入 SPENDING_LIMIT 失败: %v", err)
	}

	if _, err := engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "1"),
	}); err == nil {
		t.Fatal("超出 float64 整数精度的规则必须被拒绝")
	}
}

func TestNoSpendingLimitMeansInstant(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	result, err := engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "999999999999999999999999"),
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if !result.Allowed || result.Tier != TierInstant {
		t.Fatalf("无 SPENDING_LIMIT 时应无条件 INSTANT, got %+v", result)
	}
}

func TestWhitelistCaseInsensitiveAndDenyFirst(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	// SPENDING_LIMIT 再宽松，whitelist 拒绝也必须先行生效。
	addSpendingLimit(t, policies, "w1", "999999999999", "999999999999", "999999999999", 0)
	err := policies.Create(context.Background(), &Policy{
		ID:       "wl",
		WalletID: "w1",
		Type:     TypeWhitelist,
		Enabled:  true,
		Rules:    map[string]any{"addresses": []string{"0xABCDEF0123456789abcdef0123456789ABCDEF01"}},
	})
	if err != nil {
		t.Fatalf("写入 WHITELIST 失败: %v", err)
	}

	allowed, err := engine.Evaluate(context.Background(), Request{
		WalletID:  "w1",
		TxID:      "tx-preview",
		Type:      transaction.TypeTransfer,
		Amount:    amount(t, "1"),
		ToAddress: "0xabcdef0123456789ABCDEF0123456789abcdef01",
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if !allowed.Allowed {
		t.Fatalf("大小写不同的同一地址应命中 whitelist, got %+v", allowed)
	}

	denied, err := engine.Evaluate(context.Background(), Request{
		WalletID:  "w1",
		TxID:      "tx-preview",
		Type:      transaction.TypeTransfer,
		Amount:    amount(t, "1"),
		ToAddress: "0x0000000000000000000000000000000000000bad",
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if denied.Allowed {
		t.Fatalf("名单外地址应被拒绝, got %+v", denied)
	}
	if denied.Reason == "" {
		t.Fatal("拒绝结果必须携带原因")
	}
}

func TestScopedPoliciesSkipIrrelevantTypes(t *testing.T) {
	engine, policies, _ := newTestEngine(t)
	err := policies.Create(context.Background(), &Policy{
		ID:       "tokens",
		WalletID: "w1",
		Type:     TypeAllowedTokens,
		Enabled:  true,
		Rules:    map[string]any{"tokens": []string{"0x1111111111111111111111111111111111111111"}},
	})
	if err != nil {
		t.Fatalf("写入 ALLOWED_TOKENS 失败: %v", err)
	}

	// 普通转账不受 ALLOWED_TOKENS 约束。
	result, err := engine.Evaluate(context.Background(), Request{
		WalletID: "w1",
		TxID:     "tx-preview",
		Type:     transaction.TypeTransfer,
		Amount:   amount(t, "1"),
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("无关的策略类型应被跳过, got %+v", result)
	}

	// 代币转账必须命中名单。
	result, err = engine.Evaluate(context.Background(), Request{
		WalletID:     "w1",
		TxID:         "tx-preview",
		Type:         transaction.TypeTokenTransfer,
		Amount:       amount(t, "1"),
		TokenAddress: "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("Evaluate 失败: %v", err)
	}
	if result.Allowed {
		t.Fatalf("名单外代币应被拒绝, got %+v", result)
	}
}

func TestEvaluateAndReserveCountsOutstanding(t *testing.T) {
	engine, policies, txs := newTestEngine(t)
	addSpendingLimit(t, policies, "w1", "1000000000", "2000000000", "3000000000", 300)

	addPendingTx(t, txs, "tx-1", "w1", "600000000")
	addPendingTx(t, txs, "tx-2", "w1", "600000000")

	first, err := engine.EvaluateAndReserve(context.Background(), Request{
		WalletID: "w1", TxID: "tx-1", Type: transaction.TypeTransfer, Amount: amount(t, "600000000"),
	})
	if err != nil {
		t.Fatalf("第一次预留失败: %v", err)
	}
	if first.Tier != TierInstant {
		t.Fatalf("第一笔应为 INSTANT, got %+v", first)
	}

	second, err := engine.EvaluateAndReserve(context.Background(), Request{
		WalletID: "w1", TxID: "tx-2", Type: transaction.TypeTransfer, Amount: amount(t, "600000000"),
	})
	if err != nil {
		t.Fatalf("第二次预留失败: %v", err)
	}
	if second.Tier != TierNotify {
		t.Fatalf("第二笔必须计入第一笔的预留而进入 NOTIFY, got %+v", second)
	}
}

func TestEvaluateAndReserveConcurrentSerialization(t *testing.T) {
	engine, policies, txs := newTestEngine(t)
	addSpendingLimit(t, policies, "w1", "1000000000", "2000000000", "3000000000", 300)

	addPendingTx(t, txs, "tx-a", "w1", "600000000")
	addPendingTx(t, txs, "tx-b", "w1", "600000000")

	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, txID := range []string{"tx-a", "tx-b"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			results[idx], errs[idx] = engine.EvaluateAndReserve(context.Background(), Request{
				WalletID: "w1", TxID: id, Type: transaction.TypeTransfer, Amount: amount(t, "600000000"),
			})
		}(i, txID)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("并发预留 %d 失败: %v", i, err)
		}
	}

	instant, notify := 0, 0
	for _, result := range results {
		switch result.Tier {
		case TierInstant:
			instant++
		case TierNotify:
			notify++
		}
	}
	// 两笔各自低于 instant_max 但合计超出：串行化保证恰好一笔 INSTANT、一笔 NOTIFY。
	if instant != 1 || notify != 1 {
		t.Fatalf("并发预留必须串行化, got instant=%d notify=%d results=%+v", instant, notify, results)
	}
}

func TestReleaseReservationRestoresHeadroom(t *testing.T) {
	engine, policies, txs := newTestEngine(t)
	addSpendingLimit(t, policies, "w1", "1000000000", "2000000000", "3000000000", 300)

	addPendingTx(t, txs, "tx-1", "w1", "900000000")
	addPendingTx(t, txs, "tx-2", "w1", "900000000")

	if _, err := engine.EvaluateAndReserve(context.Background(), Request{
		WalletID: "w1", TxID: "tx-1", Type: transaction.TypeTransfer, Amount: amount(t, "900000000"),
	}); err != nil {
		t.Fatalf("预留失败: %v", err)
	}

	if err := engine.ReleaseReservation(context.Background(), "tx-1"); err != nil {
		t.Fatalf("释放预留失败: %v", err)
	}

	result, err := engine.EvaluateAndReserve(context.Background(), Request{
		WalletID: "w1", TxID: "tx-2", Type: transaction.TypeTransfer, Amount: amount(t, "900000000"),
	})
	if err != nil {
		t.Fatalf("预留失败: %v", err)
	}
	if result.Tier != TierInstant {
		t.Fatalf("释放后额度应恢复, got %+v", result)
	}
}

func TestDeniedRequestWritesNoReservation(t *testing.T) {
	engine, policies, txs := newTestEngine(t)
	err := policies.Create(context.Background(), &Policy{
		ID:       "wl",
		WalletID: "w1",
		Type:     TypeWhitelist,
		Enabled:  true,
		Rules:    map[string]any{"addresses": []string{"0x1111111111111111111111111111111111111111"}},
	})
	if err != nil {
		t.Fatalf("写入 WHITELIST 失败: %v", err)
	}
	addPendingTx(t, txs, "tx-1", "w1", "100")

	result, err := engine.EvaluateAndReserve(context.Background(), Request{
		WalletID:  "w1",
		TxID:      "tx-1",
		Type:      transaction.TypeTransfer,
		Amount:    amount(t, "100"),
		ToAddress: "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("EvaluateAndReserve 失败: %v", err)
	}
	if result.Allowed {
		t.Fatalf("应被拒绝, got %+v", result)
	}

	sum, err := txs.SumReserved(context.Background(), "w1", "")
	if err != nil {
		t.Fatalf("SumReserved 失败: %v", err)
	}
	if sum.Sign() != 0 {
		t.Fatalf("拒绝不应留下预留, got %s", sum)
	}
}
