package cache

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCapacity = 10_000

// LocalBalanceCache is an in-process, size-bounded balance cache with TTL eviction.
type LocalBalanceCache struct {
	entries *expirable.LRU[string, ledger.Credits]
}

// NewLocalBalanceCache returns a LocalBalanceCache; non-positive arguments fall back to defaults.
func NewLocalBalanceCache(capacity int, ttl time.Duration) *LocalBalanceCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &LocalBalanceCache{entries: expirable.NewLRU[string, ledger.Credits](capacity, nil, ttl)}
}

func (cache *LocalBalanceCache) GetBalance(_ context.Context, userID ledger.UserID) (ledger.Credits, bool) {
	return cache.entries.Get(userID.String())
}

func (cache *LocalBalanceCache) SetBalance(_ context.Context, userID ledger.UserID, balance ledger.Credits) {
	cache.entries.Add(userID.String(), balance)
}

func (cache *LocalBalanceCache) InvalidateBalance(_ context.Context, userID ledger.UserID) {
	cache.entries.Remove(userID.String())
}

// RuleCache caches pricing rules by action type.
type RuleCache struct {
	rules *expirable.LRU[string, ledger.PricingRule]
}

// NewRuleCache returns a RuleCache holding up to capacity rules for ttl.
func NewRuleCache(capacity int, ttl time.Duration) *RuleCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RuleCache{rules: expirable.NewLRU[string, ledger.PricingRule](capacity, nil, ttl)}
}

func (cache *RuleCache) GetRule(actionType ledger.ActionType) (ledger.PricingRule, bool) {
	return cache.rules.Get(actionType.String())
}

func (cache *RuleCache) SetRule(rule ledger.PricingRule) {
	cache.rules.Add(rule.ActionType.String(), rule)
}

func (cache *RuleCache) InvalidateRule(actionType ledger.ActionType) {
	cache.rules.Remove(actionType.String())
}

var (
	_ ledger.BalanceCache = (*LocalBalanceCache)(nil)
	_ ledger.BalanceCache = (*RedisBalanceCache)(nil)
	_ ledger.RuleCache    = (*RuleCache)(nil)
)
