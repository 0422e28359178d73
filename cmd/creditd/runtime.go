package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/cache"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/config"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/logging"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	localBalanceCacheCapacity = 10000
	ruleCacheCapacity         = 512
)

// engine holds the wired services and the resources they own.
type engine struct {
	cfg      config.Config
	logger   *zap.Logger
	store    ledger.Store
	services httpapi.Services
	closers  []func() error
}

func newEngine(ctx context.Context, cfg config.Config, logger *zap.Logger, migrate bool) (*engine, error) {
	instance := &engine{cfg: cfg, logger: logger}
	if err := instance.wire(ctx, migrate); err != nil {
		_ = instance.Close()
		return nil, err
	}
	return instance, nil
}

func (instance *engine) wire(ctx context.Context, migrate bool) error {
	cfg := instance.cfg
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	instance.closers = append(instance.closers, cleanup)

	if migrate || cfg.AutoMigrate || driver == driverSQLite {
		if err := gormstore.Migrate(db); err != nil {
			return err
		}
	}

	switch cfg.StoreDriver {
	case config.DriverPgx:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		instance.closers = append(instance.closers, func() error { pool.Close(); return nil })
		instance.store = pgstore.New(pool, pgstore.WithLockTimeout(cfg.LockTimeout))
	default:
		instance.store = gormstore.New(db, gormstore.WithLockTimeout(cfg.LockTimeout))
	}

	balances, err := instance.balanceCache()
	if err != nil {
		return err
	}
	rules := cache.NewRuleCache(ruleCacheCapacity, cfg.RuleCacheTTL)
	operations := ledger.ChainLoggers(logging.NewOperationLogger(instance.logger), metrics.OperationRecorder{})
	now := time.Now

	appender, err := ledger.NewAppender(instance.store, now,
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithBalanceCache(balances),
		ledger.WithAppenderLogger(operations),
	)
	if err != nil {
		return err
	}
	pricing, err := ledger.NewPricingService(instance.store, now, ledger.WithRuleCache(rules), ledger.WithPricingLogger(operations))
	if err != nil {
		return err
	}
	allowance, err := ledger.NewAllowanceTracker(instance.store, pricing, now, operations)
	if err != nil {
		return err
	}
	spend, err := ledger.NewSpendCoordinator(instance.store, appender, pricing, now,
		ledger.WithAdminResolver(ledger.NewAdminSet(cfg.AdminUserIDs...)),
		ledger.WithSpendLogger(operations),
	)
	if err != nil {
		return err
	}
	wallets, err := ledger.NewWalletService(instance.store, appender, now,
		ledger.WithWalletBalanceCache(balances),
		ledger.WithWalletLogger(operations),
	)
	if err != nil {
		return err
	}

	catalog, err := cfg.TierCatalog()
	if err != nil {
		return err
	}
	verifier, err := instance.signatureVerifier()
	if err != nil {
		return err
	}
	reconciler, err := billing.NewReconciler(appender, verifier, catalog,
		billing.WithProvider(cfg.WebhookProvider),
		billing.WithReconcilerLogger(operations),
	)
	if err != nil {
		return err
	}
	scheduler, err := billing.NewCycleScheduler(instance.store, appender, catalog, now,
		billing.WithSchedule(cfg.ResetSchedule),
		billing.WithBatchSize(cfg.ResetBatchSize),
		billing.WithSchedulerLogger(operations),
		billing.WithZapLogger(instance.logger),
	)
	if err != nil {
		return err
	}

	instance.services = httpapi.Services{
		Wallets:    wallets,
		Pricing:    pricing,
		Allowance:  allowance,
		Spend:      spend,
		Reconciler: reconciler,
		Scheduler:  scheduler,
	}
	return nil
}

func (instance *engine) balanceCache() (ledger.BalanceCache, error) {
	if instance.cfg.RedisURL == "" {
		return cache.NewLocalBalanceCache(localBalanceCacheCapacity, instance.cfg.BalanceCacheTTL), nil
	}
	options, err := redis.ParseURL(instance.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(options)
	instance.closers = append(instance.closers, client.Close)
	return cache.NewRedisBalanceCache(client,
		cache.WithRedisTTL(instance.cfg.BalanceCacheTTL),
		cache.WithRedisLogger(instance.logger),
	), nil
}

func (instance *engine) signatureVerifier() (billing.SignatureVerifier, error) {
	if instance.cfg.InsecureWebhooks {
		instance.logger.Warn("webhook signature verification disabled")
		return billing.AcceptAll{}, nil
	}
	return billing.NewStripeVerifier(instance.cfg.WebhookSecret, instance.cfg.WebhookTolerance, time.Now)
}

// seedPricing creates configured pricing rules that do not exist yet.
func (instance *engine) seedPricing(ctx context.Context) (int, error) {
	rules, err := instance.cfg.PricingRules()
	if err != nil {
		return 0, err
	}
	created := 0
	for _, rule := range rules {
		_, err := instance.services.Pricing.Create(ctx, rule)
		if errors.Is(err, ledger.ErrPricingRuleExists) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Close releases resources in reverse acquisition order.
func (instance *engine) Close() error {
	var failures []error
	for index := len(instance.closers) - 1; index >= 0; index-- {
		if err := instance.closers[index](); err != nil {
			failures = append(failures, err)
		}
	}
	instance.closers = nil
	return errors.Join(failures...)
}
