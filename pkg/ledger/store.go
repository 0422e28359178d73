package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by the wallet services.
// gormstore and pgstore implement it.
//
// LockWallet must take a row-level lock held until the surrounding WithTx
// commits or rolls back; lock waits beyond the store's timeout surface as
// ErrConcurrencyTimeout.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	FindWalletByUserID(ctx context.Context, userID UserID) (Wallet, error)
	CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	LockWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	SaveWalletBalance(ctx context.Context, wallet Wallet) error
	SaveWalletState(ctx context.Context, wallet Wallet) error
	ListDueWallets(ctx context.Context, asOf time.Time, afterWalletID string, limit int) ([]Wallet, error)

	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	FindEntryByIdempotencyKey(ctx context.Context, walletID WalletID, key IdempotencyKey) (Entry, error)
	ListEntries(ctx context.Context, walletID WalletID, beforeSequence int64, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, walletID WalletID) (Credits, error)

	ListPricingRules(ctx context.Context) ([]PricingRule, error)
	GetPricingRule(ctx context.Context, actionType ActionType) (PricingRule, error)
	CreatePricingRule(ctx context.Context, rule PricingRule) error
	UpdatePricingRule(ctx context.Context, rule PricingRule) error

	GetAllowanceCounter(ctx context.Context, userID UserID, actionType ActionType, period string) (AllowanceCounter, error)
	IncrementAllowanceCounter(ctx context.Context, delta UsageDelta) error
	ResetAllowanceCounters(ctx context.Context, userID UserID, period string) error

	InsertWebhookEvent(ctx context.Context, record WebhookEventRecord) error
	GetSubscription(ctx context.Context, userID UserID) (Subscription, error)
	FindSubscriptionByCustomerID(ctx context.Context, provider string, customerID string) (Subscription, error)
	SaveSubscription(ctx context.Context, subscription Subscription) error
}

// BalanceCache is an optional read-through cache of wallet balances.
// Implementations swallow their own failures; a miss always falls back to the store.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID UserID) (Credits, bool)
	SetBalance(ctx context.Context, userID UserID, balance Credits)
	InvalidateBalance(ctx context.Context, userID UserID)
}

// RuleCache is an optional cache of pricing rules keyed by action type.
type RuleCache interface {
	GetRule(actionType ActionType) (PricingRule, bool)
	SetRule(rule PricingRule)
	InvalidateRule(actionType ActionType)
}

type noopBalanceCache struct{}

func (noopBalanceCache) GetBalance(context.Context, UserID) (Credits, bool) { return 0, false }
func (noopBalanceCache) SetBalance(context.Context, UserID, Credits)        {}
func (noopBalanceCache) InvalidateBalance(context.Context, UserID)          {}

type noopRuleCache struct{}

func (noopRuleCache) GetRule(ActionType) (PricingRule, bool) { return PricingRule{}, false }
func (noopRuleCache) SetRule(PricingRule)                    {}
func (noopRuleCache) InvalidateRule(ActionType)              {}
