package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryIdempotency = "uniq_ledger_entries_wallet_idempotency"
	columnIdempotencyKey       = "idempotency_key"
	defaultMetadataJSON        = "{}"
	dialectPostgres            = "postgres"
	pgUniqueViolationCode      = "23505"
	pgLockNotAvailableCode     = "55P03"
	pgDeadlockDetectedCode     = "40P01"
	pgSerializationFailureCode = "40001"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	errorOperationStore        = "store"
	errorSubjectWallet         = "wallet"
	errorSubjectEntry          = "entry"
	errorSubjectRule           = "pricing_rule"
	errorSubjectCounter        = "allowance_counter"
	errorSubjectSubscription   = "subscription"
	errorSubjectWebhookEvent   = "webhook_event"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeReset             = "reset"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpsert            = "upsert"
)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the PostgreSQL lock_timeout applied to every transaction.
func WithLockTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		store.lockTimeout = timeout
	}
}

// Store implements ledger.Store using GORM.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// WithTx executes fn within a transaction. Errors returned by fn pass through
// unchanged; begin and commit failures are classified as persistence or
// concurrency failures.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	var callbackErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if store.isPostgres() && store.lockTimeout > 0 {
			statement := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", store.lockTimeout.Milliseconds())
			if err := transaction.Exec(statement).Error; err != nil {
				return driverError(errorSubjectTransaction, errorCodeBegin, err)
			}
		}
		callbackErr = fn(ctx, &Store{db: transaction, lockTimeout: store.lockTimeout})
		return callbackErr
	})
	if err == nil {
		return nil
	}
	if callbackErr != nil {
		return callbackErr
	}
	var operationError ledger.OperationError
	if errors.As(err, &operationError) {
		return err
	}
	return driverError(errorSubjectTransaction, errorCodeBegin, err)
}

func (store *Store) FindWalletByUserID(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, driverError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model)
}

// CreateWallet inserts wallet unless the user already has one; either way the
// stored row is returned, so concurrent creators converge on one wallet.
func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	model := walletModel(wallet)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Wallet{}, driverError(errorSubjectWallet, errorCodeCreate, err)
	}
	return store.FindWalletByUserID(ctx, wallet.UserID)
}

// LockWallet takes the wallet's row lock. PostgreSQL uses SELECT ... FOR
// UPDATE; other dialects take the database write lock with a no-op update.
func (store *Store) LockWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	query := store.db.WithContext(ctx)
	if store.isPostgres() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	} else {
		result := store.db.WithContext(ctx).Exec("UPDATE wallets SET last_sequence = last_sequence WHERE id = ?", walletID.String())
		if result.Error != nil {
			return ledger.Wallet{}, driverError(errorSubjectWallet, errorCodeLock, result.Error)
		}
	}
	var model Wallet
	err := query.Where("id = ?", walletID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, driverError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallet(model)
}

func (store *Store) SaveWalletBalance(ctx context.Context, wallet ledger.Wallet) error {
	return store.updateWallet(ctx, wallet.ID, map[string]any{
		"balance":         wallet.Balance.Int64(),
		"last_sequence":   wallet.LastSequence,
		"cycle_earned":    wallet.CycleEarned.Int64(),
		"cycle_spent":     wallet.CycleSpent.Int64(),
		"cycle_purchased": wallet.CyclePurchased.Int64(),
		"updated_at":      wallet.UpdatedAt.UTC(),
	})
}

func (store *Store) SaveWalletState(ctx context.Context, wallet ledger.Wallet) error {
	return store.updateWallet(ctx, wallet.ID, map[string]any{
		"is_locked":           wallet.Locked,
		"tier":                wallet.Tier,
		"subscription_active": wallet.SubscriptionActive,
		"billing_cycle_start": wallet.BillingCycleStart.UTC(),
		"billing_cycle_end":   wallet.BillingCycleEnd.UTC(),
		"next_reset_date":     wallet.NextResetDate.UTC(),
		"cycle_earned":        wallet.CycleEarned.Int64(),
		"cycle_spent":         wallet.CycleSpent.Int64(),
		"cycle_purchased":     wallet.CyclePurchased.Int64(),
		"updated_at":          wallet.UpdatedAt.UTC(),
	})
}

func (store *Store) updateWallet(ctx context.Context, walletID ledger.WalletID, updates map[string]any) error {
	result := store.db.WithContext(ctx).Model(&Wallet{}).Where("id = ?", walletID.String()).Updates(updates)
	if result.Error != nil {
		return driverError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ListDueWallets(ctx context.Context, asOf time.Time, afterWalletID string, limit int) ([]ledger.Wallet, error) {
	query := store.db.WithContext(ctx).Where("next_reset_date <= ?", asOf.UTC())
	if afterWalletID != "" {
		query = query.Where("id > ?", afterWalletID)
	}
	var rows []Wallet
	err := query.Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, driverError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]ledger.Wallet, 0, len(rows))
	for _, row := range rows {
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	model := LedgerEntry{
		WalletID:       entry.WalletID.String(),
		Sequence:       entry.Sequence,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		ActionType:     optionalString(entry.ActionType.String()),
		ReferenceType:  optionalString(entry.Reference.Type),
		ReferenceID:    optionalString(entry.Reference.ID),
		IdempotencyKey: optionalString(entry.IdempotencyKey.String()),
		Description:    entry.Description,
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, driverError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID.String(), key.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, ledger.ErrEntryNotFound
		}
		return ledger.Entry{}, driverError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) ListEntries(ctx context.Context, walletID ledger.WalletID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("wallet_id = ?", walletID.String())
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	var rows []LedgerEntry
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, driverError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, walletID ledger.WalletID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("wallet_id = ?", walletID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, driverError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) ListPricingRules(ctx context.Context) ([]ledger.PricingRule, error) {
	var rows []PricingRule
	if err := store.db.WithContext(ctx).Order("action_type ASC").Find(&rows).Error; err != nil {
		return nil, driverError(errorSubjectRule, errorCodeList, err)
	}
	rules := make([]ledger.PricingRule, 0, len(rows))
	for _, row := range rows {
		rule, err := mapPricingRule(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (store *Store) GetPricingRule(ctx context.Context, actionType ledger.ActionType) (ledger.PricingRule, error) {
	var model PricingRule
	err := store.db.WithContext(ctx).Where("action_type = ?", actionType.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.PricingRule{}, wrapStoreError(errorSubjectRule, errorCodeGet, ledger.ErrPricingRuleNotFound)
		}
		return ledger.PricingRule{}, driverError(errorSubjectRule, errorCodeGet, err)
	}
	return mapPricingRule(model)
}

func (store *Store) CreatePricingRule(ctx context.Context, rule ledger.PricingRule) error {
	model := PricingRule{
		ActionType:            rule.ActionType.String(),
		CostPerAction:         rule.CostPerAction.Int64(),
		FreeAllowancePerMonth: rule.FreeAllowancePerMonth,
		Active:                rule.Active,
		Description:           rule.Description,
		CreatedAt:             rule.CreatedAt.UTC(),
		UpdatedAt:             rule.UpdatedAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "action_type"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return driverError(errorSubjectRule, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRule, errorCodeDuplicate, ledger.ErrPricingRuleExists)
	}
	return nil
}

func (store *Store) UpdatePricingRule(ctx context.Context, rule ledger.PricingRule) error {
	result := store.db.WithContext(ctx).
		Model(&PricingRule{}).
		Where("action_type = ?", rule.ActionType.String()).
		Updates(map[string]any{
			"cost_per_action":          rule.CostPerAction.Int64(),
			"free_allowance_per_month": rule.FreeAllowancePerMonth,
			"active":                   rule.Active,
			"description":              rule.Description,
			"updated_at":               rule.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return driverError(errorSubjectRule, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRule, errorCodeUpdate, ledger.ErrPricingRuleNotFound)
	}
	return nil
}

func (store *Store) GetAllowanceCounter(ctx context.Context, userID ledger.UserID, actionType ledger.ActionType, period string) (ledger.AllowanceCounter, error) {
	var model AllowanceCounter
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND action_type = ? AND period = ?", userID.String(), actionType.String(), period).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.AllowanceCounter{UserID: userID, ActionType: actionType, Period: period}, nil
	}
	if err != nil {
		return ledger.AllowanceCounter{}, driverError(errorSubjectCounter, errorCodeGet, err)
	}
	return ledger.AllowanceCounter{
		UserID:       userID,
		ActionType:   actionType,
		Period:       period,
		FreeUsed:     model.FreeUsed,
		PaidUsed:     model.PaidUsed,
		CreditsSpent: ledger.Credits(model.CreditsSpent),
		UpdatedAt:    model.UpdatedAt.UTC(),
	}, nil
}

// IncrementAllowanceCounter adds delta in a single upsert statement.
func (store *Store) IncrementAllowanceCounter(ctx context.Context, delta ledger.UsageDelta) error {
	model := AllowanceCounter{
		UserID:       delta.UserID.String(),
		ActionType:   delta.ActionType.String(),
		Period:       delta.Period,
		FreeUsed:     delta.FreeDelta,
		PaidUsed:     delta.PaidDelta,
		CreditsSpent: delta.CreditsDelta.Int64(),
		UpdatedAt:    delta.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "action_type"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"free_used":     clause.Expr{SQL: "allowance_counters.free_used + excluded.free_used"},
				"paid_used":     clause.Expr{SQL: "allowance_counters.paid_used + excluded.paid_used"},
				"credits_spent": clause.Expr{SQL: "allowance_counters.credits_spent + excluded.credits_spent"},
				"updated_at":    clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&model).Error
	if err != nil {
		return driverError(errorSubjectCounter, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ResetAllowanceCounters(ctx context.Context, userID ledger.UserID, period string) error {
	err := store.db.WithContext(ctx).
		Model(&AllowanceCounter{}).
		Where("user_id = ? AND period = ?", userID.String(), period).
		Updates(map[string]any{"free_used": 0, "paid_used": 0, "credits_spent": 0}).Error
	if err != nil {
		return driverError(errorSubjectCounter, errorCodeReset, err)
	}
	return nil
}

// InsertWebhookEvent records the dedup row; an existing (provider, event id)
// yields ErrDuplicateEvent without aborting the surrounding transaction.
func (store *Store) InsertWebhookEvent(ctx context.Context, record ledger.WebhookEventRecord) error {
	model := WebhookEvent{
		Provider:   record.Provider,
		EventID:    record.EventID,
		EventType:  record.EventType,
		Version:    record.Version,
		Outcome:    record.Outcome,
		ReceivedAt: record.ReceivedAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider"}, {Name: "event_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return driverError(errorSubjectWebhookEvent, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	return nil
}

func (store *Store) GetSubscription(ctx context.Context, userID ledger.UserID) (ledger.Subscription, error) {
	return takeSubscription(store.db.WithContext(ctx).Where("user_id = ?", userID.String()))
}

func (store *Store) FindSubscriptionByCustomerID(ctx context.Context, provider string, customerID string) (ledger.Subscription, error) {
	return takeSubscription(store.db.WithContext(ctx).Where("provider = ? AND customer_id = ?", provider, customerID))
}

func takeSubscription(query *gorm.DB) (ledger.Subscription, error) {
	var model Subscription
	if err := query.Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, ledger.ErrSubscriptionNotFound)
		}
		return ledger.Subscription{}, driverError(errorSubjectSubscription, errorCodeGet, err)
	}
	return mapSubscription(model)
}

func (store *Store) SaveSubscription(ctx context.Context, subscription ledger.Subscription) error {
	model := Subscription{
		UserID:             subscription.UserID.String(),
		Provider:           subscription.Provider,
		CustomerID:         subscription.CustomerID,
		SubscriptionID:     subscription.SubscriptionID,
		PriceID:            subscription.PriceID,
		Status:             subscription.Status,
		Tier:               subscription.Tier,
		CurrentPeriodStart: optionalTime(subscription.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalTime(subscription.CurrentPeriodEnd),
		LastEventID:        subscription.LastEventID,
		LastEventVersion:   subscription.LastEventVersion,
		CreatedAt:          subscription.CreatedAt.UTC(),
		UpdatedAt:          subscription.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"provider", "customer_id", "subscription_id", "price_id", "status", "tier",
				"current_period_start", "current_period_end", "last_event_id", "last_event_version", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return driverError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) isPostgres() bool {
	return store.db.Dialector != nil && store.db.Dialector.Name() == dialectPostgres
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// driverError classifies a database failure: lock waits, deadlocks and busy
// databases become ErrConcurrencyTimeout, everything else ErrPersistenceFailure.
func driverError(subject string, code string, err error) error {
	if isLockTimeout(err) {
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", ledger.ErrConcurrencyTimeout, err))
	}
	return wrapStoreError(subject, code, ledger.PersistenceError(err))
}

type sqlSum struct {
	Total int64
}

func walletModel(wallet ledger.Wallet) Wallet {
	return Wallet{
		ID:                 wallet.ID.String(),
		UserID:             wallet.UserID.String(),
		Balance:            wallet.Balance.Int64(),
		IsLocked:           wallet.Locked,
		Tier:               wallet.Tier,
		SubscriptionActive: wallet.SubscriptionActive,
		BillingCycleStart:  wallet.BillingCycleStart.UTC(),
		BillingCycleEnd:    wallet.BillingCycleEnd.UTC(),
		NextResetDate:      wallet.NextResetDate.UTC(),
		CycleEarned:        wallet.CycleEarned.Int64(),
		CycleSpent:         wallet.CycleSpent.Int64(),
		CyclePurchased:     wallet.CyclePurchased.Int64(),
		LastSequence:       wallet.LastSequence,
		CreatedAt:          wallet.CreatedAt.UTC(),
		UpdatedAt:          wallet.UpdatedAt.UTC(),
	}
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	walletID, err := ledger.NewWalletID(model.ID)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return ledger.Wallet{
		ID:                 walletID,
		UserID:             userID,
		Balance:            ledger.Credits(model.Balance),
		Locked:             model.IsLocked,
		Tier:               model.Tier,
		SubscriptionActive: model.SubscriptionActive,
		BillingCycleStart:  model.BillingCycleStart.UTC(),
		BillingCycleEnd:    model.BillingCycleEnd.UTC(),
		NextResetDate:      model.NextResetDate.UTC(),
		CycleEarned:        ledger.Credits(model.CycleEarned),
		CycleSpent:         ledger.Credits(model.CycleSpent),
		CyclePurchased:     ledger.Credits(model.CyclePurchased),
		LastSequence:       model.LastSequence,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	walletID, err := ledger.NewWalletID(row.WalletID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	var actionType ledger.ActionType
	if row.ActionType != nil {
		actionType, err = ledger.NewActionType(*row.ActionType)
		if err != nil {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return ledger.Entry{
		ID:             row.ID,
		WalletID:       walletID,
		Sequence:       row.Sequence,
		Type:           entryType,
		Amount:         ledger.Credits(row.Amount),
		BalanceAfter:   ledger.Credits(row.BalanceAfter),
		ActionType:     actionType,
		Reference:      ledger.Reference{Type: stringOrEmpty(row.ReferenceType), ID: stringOrEmpty(row.ReferenceID)},
		IdempotencyKey: idempotencyKey,
		Description:    row.Description,
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func mapPricingRule(model PricingRule) (ledger.PricingRule, error) {
	actionType, err := ledger.NewActionType(model.ActionType)
	if err != nil {
		return ledger.PricingRule{}, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
	}
	return ledger.PricingRule{
		ActionType:            actionType,
		CostPerAction:         ledger.Credits(model.CostPerAction),
		FreeAllowancePerMonth: model.FreeAllowancePerMonth,
		Active:                model.Active,
		Description:           model.Description,
		CreatedAt:             model.CreatedAt.UTC(),
		UpdatedAt:             model.UpdatedAt.UTC(),
	}, nil
}

func mapSubscription(model Subscription) (ledger.Subscription, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return ledger.Subscription{
		UserID:             userID,
		Provider:           model.Provider,
		CustomerID:         model.CustomerID,
		SubscriptionID:     model.SubscriptionID,
		PriceID:            model.PriceID,
		Status:             model.Status,
		Tier:               model.Tier,
		CurrentPeriodStart: timeOrZero(model.CurrentPeriodStart),
		CurrentPeriodEnd:   timeOrZero(model.CurrentPeriodEnd),
		LastEventID:        model.LastEventID,
		LastEventVersion:   model.LastEventVersion,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotency
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), columnIdempotencyKey)
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) && strings.Contains(err.Error(), columnIdempotencyKey)
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailureCode:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
