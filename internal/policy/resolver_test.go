package policy

import "testing"

func TestResolvePrefersWalletOverGlobal(t *testing.T) {
	policies := []*Policy{
		{ID: "global", Type: TypeSpendingLimit, Enabled: true},
		{ID: "wallet", WalletID: "w1", Type: TypeSpendingLimit, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "mainnet")
	if got := resolved[TypeSpendingLimit]; got == nil || got.ID != "wallet" {
		t.Fatalf("期望钱包级策略胜出, got %+v", got)
	}
}

func TestResolvePrefersNetworkScoped(t *testing.T) {
	policies := []*Policy{
		{ID: "agnostic", WalletID: "w1", Type: TypeWhitelist, Enabled: true},
		{ID: "scoped", WalletID: "w1", Network: "mainnet", Type: TypeWhitelist, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "mainnet")
	if got := resolved[TypeWhitelist]; got == nil || got.ID != "scoped" {
		t.Fatalf("期望网络限定策略胜出, got %+v", got)
	}
}

func TestResolveWalletBeatsGlobalNetwork(t *testing.T) {
	// 钱包级策略即使不限定网络，也应压过限定网络的全局策略。
	policies := []*Policy{
		{ID: "global-scoped", Network: "mainnet", Type: TypeSpendingLimit, Enabled: true},
		{ID: "wallet-agnostic", WalletID: "w1", Type: TypeSpendingLimit, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "mainnet")
	if got := resolved[TypeSpendingLimit]; got == nil || got.ID != "wallet-agnostic" {
		t.Fatalf("期望钱包级策略胜出, got %+v", got)
	}
}

func TestResolvePriorityBreaksTies(t *testing.T) {
	policies := []*Policy{
		{ID: "low", WalletID: "w1", Type: TypeAllowedTokens, Priority: 1, Enabled: true},
		{ID: "high", WalletID: "w1", Type: TypeAllowedTokens, Priority: 9, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "")
	if got := resolved[TypeAllowedTokens]; got == nil || got.ID != "high" {
		t.Fatalf("期望高优先级策略胜出, got %+v", got)
	}
}

func TestResolveSkipsIrrelevantRows(t *testing.T) {
	policies := []*Policy{
		{ID: "disabled", WalletID: "w1", Type: TypeWhitelist, Enabled: false},
		{ID: "other-wallet", WalletID: "w2", Type: TypeWhitelist, Enabled: true},
		{ID: "other-network", WalletID: "w1", Network: "sepolia", Type: TypeWhitelist, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "mainnet")
	if len(resolved) != 0 {
		t.Fatalf("不相关的策略不应参与解析, got %+v", resolved)
	}
}

func TestResolveIndependentPerType(t *testing.T) {
	policies := []*Policy{
		{ID: "limit-global", Type: TypeSpendingLimit, Enabled: true},
		{ID: "wl-wallet", WalletID: "w1", Type: TypeWhitelist, Enabled: true},
	}

	resolved := Resolve(policies, "w1", "")
	if len(resolved) != 2 {
		t.Fatalf("每种类型应独立解析出一条, got %+v", resolved)
	}
	if resolved[TypeSpendingLimit].ID != "limit-global" || resolved[TypeWhitelist].ID != "wl-wallet" {
		t.Fatalf("解析结果不符合预期: %+v", resolved)
	}
}
