package policy

// Resolve 对策略行集合执行四级覆盖解析，输出每种类型最终生效的一条策略。
// 纯函数，不触碰数据库，便于单独测试。
//
// 优先级从高到低：钱包+网络 > 钱包 > 全局+网络 > 全局。
// 同一级别内 Priority 数值大者胜出。
func Resolve(policies []*Policy, walletID, network string) map[Type]*Policy {
	type ranked struct {
		policy *Policy
		score  int
	}

	best := make(map[Type]ranked)
	for _, p := range policies {
		if p == nil || !p.Enabled {
			continue
		}
		if p.WalletID != "" && p.WalletID != walletID {
			continue
		}
		if p.Network != "" && p.Network != network {
			continue
		}

		score := 0
		if p.WalletID != "" {
			score += 2
		}
		if p.Network != "" {
			score++
		}

		current, ok := best[p.Type]
		if !ok || score > current.score ||
			(score == current.score && p.Priority > current.policy.Priority) {
			best[p.Type] = ranked{policy: p, score: score}
		}
	}

	resolved := make(map[Type]*Policy, len(best))
	for policyType, entry := range best {
		resolved[policyType] = entry.policy
	}
	return resolved
}
