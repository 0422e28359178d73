package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "creditwallet:balance:"
	defaultTTL       = 30 * time.Second
)

// RedisBalanceCache keeps wallet balance snapshots in Redis with a TTL.
// Redis failures are logged and reported as cache misses.
type RedisBalanceCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// RedisOption configures a RedisBalanceCache.
type RedisOption func(*RedisBalanceCache)

// WithRedisTTL overrides the snapshot lifetime.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(cache *RedisBalanceCache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(cache *RedisBalanceCache) {
		if prefix != "" {
			cache.prefix = prefix
		}
	}
}

// WithRedisLogger attaches a logger for swallowed Redis errors.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(cache *RedisBalanceCache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// NewRedisBalanceCache wraps a go-redis client.
func NewRedisBalanceCache(client redis.Cmdable, options ...RedisOption) *RedisBalanceCache {
	cache := &RedisBalanceCache{
		client: client,
		ttl:    defaultTTL,
		prefix: defaultKeyPrefix,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	return cache
}

func (cache *RedisBalanceCache) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, bool) {
	raw, err := cache.client.Get(ctx, cache.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		cache.logger.Warn("balance cache read failed", zap.String("user_id", userID.String()), zap.Error(err))
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		cache.logger.Warn("balance cache holds a non-integer value", zap.String("user_id", userID.String()), zap.String("value", raw))
		return 0, false
	}
	return ledger.Credits(value), true
}

func (cache *RedisBalanceCache) SetBalance(ctx context.Context, userID ledger.UserID, balance ledger.Credits) {
	value := strconv.FormatInt(balance.Int64(), 10)
	if err := cache.client.Set(ctx, cache.key(userID), value, cache.ttl).Err(); err != nil {
		cache.logger.Warn("balance cache write failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (cache *RedisBalanceCache) InvalidateBalance(ctx context.Context, userID ledger.UserID) {
	if err := cache.client.Del(ctx, cache.key(userID)).Err(); err != nil {
		cache.logger.Warn("balance cache invalidation failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (cache *RedisBalanceCache) key(userID ledger.UserID) string {
	return cache.prefix + userID.String()
}
