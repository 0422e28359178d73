package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUserID(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(t, err)
	return userID
}

func TestRedisBalanceCacheRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()
	userID := mustUserID(t, "user-1")
	cache := NewRedisBalanceCache(db, WithRedisTTL(time.Minute), WithKeyPrefix("test:"))

	mock.ExpectGet("test:user-1").RedisNil()
	mock.ExpectSet("test:user-1", "120", time.Minute).SetVal("OK")
	mock.ExpectGet("test:user-1").SetVal("120")
	mock.ExpectDel("test:user-1").SetVal(1)

	_, ok := cache.GetBalance(ctx, userID)
	assert.False(t, ok)
	cache.SetBalance(ctx, userID, 120)
	balance, ok := cache.GetBalance(ctx, userID)
	assert.True(t, ok)
	assert.Equal(t, ledger.Credits(120), balance)
	cache.InvalidateBalance(ctx, userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBalanceCacheFailuresAreMisses(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()
	userID := mustUserID(t, "user-2")
	cache := NewRedisBalanceCache(db)

	mock.ExpectGet(defaultKeyPrefix + "user-2").SetErr(errors.New("connection reset"))
	mock.ExpectGet(defaultKeyPrefix + "user-2").SetVal("not-a-number")
	mock.ExpectDel(defaultKeyPrefix + "user-2").SetErr(errors.New("connection reset"))

	_, ok := cache.GetBalance(ctx, userID)
	assert.False(t, ok)
	_, ok = cache.GetBalance(ctx, userID)
	assert.False(t, ok)
	cache.InvalidateBalance(ctx, userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalBalanceCache(t *testing.T) {
	ctx := context.Background()
	userID := mustUserID(t, "user-3")
	cache := NewLocalBalanceCache(0, 0)

	cache.SetBalance(ctx, userID, 7)
	balance, ok := cache.GetBalance(ctx, userID)
	require.True(t, ok)
	assert.Equal(t, ledger.Credits(7), balance)

	cache.InvalidateBalance(ctx, userID)
	_, ok = cache.GetBalance(ctx, userID)
	assert.False(t, ok)
}

func TestLocalBalanceCacheExpires(t *testing.T) {
	ctx := context.Background()
	userID := mustUserID(t, "user-4")
	cache := NewLocalBalanceCache(4, 20*time.Millisecond)

	cache.SetBalance(ctx, userID, 9)
	assert.Eventually(t, func() bool {
		_, ok := cache.GetBalance(ctx, userID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRuleCache(t *testing.T) {
	actionType, err := ledger.NewActionType("email_unlock")
	require.NoError(t, err)
	cache := NewRuleCache(0, 0)

	_, ok := cache.GetRule(actionType)
	assert.False(t, ok)
	cache.SetRule(ledger.PricingRule{ActionType: actionType, CostPerAction: 10})
	rule, ok := cache.GetRule(actionType)
	require.True(t, ok)
	assert.Equal(t, ledger.Credits(10), rule.CostPerAction)
	cache.InvalidateRule(actionType)
	_, ok = cache.GetRule(actionType)
	assert.False(t, ok)
}
