package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryIdempotency = "uniq_ledger_entries_wallet_idempotency"
	pgUniqueViolationCode      = "23505"
	pgLockNotAvailableCode     = "55P03"
	pgDeadlockDetectedCode     = "40P01"
	pgSerializationFailureCode = "40001"
	errorOperationStore        = "store"
	errorSubjectWallet         = "wallet"
	errorSubjectEntry          = "entry"
	errorSubjectRule           = "pricing_rule"
	errorSubjectCounter        = "allowance_counter"
	errorSubjectSubscription   = "subscription"
	errorSubjectWebhookEvent   = "webhook_event"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
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

	walletColumns = `
		id::text, user_id, balance, is_locked, tier, subscription_active,
		billing_cycle_start, billing_cycle_end, next_reset_date,
		cycle_earned, cycle_spent, cycle_purchased, last_sequence, created_at, updated_at
	`

	entryColumns = `
		id::text, wallet_id::text, sequence, type, amount, balance_after,
		coalesce(action_type,''), coalesce(reference_type,''), coalesce(reference_id,''),
		coalesce(idempotency_key,''), description, coalesce(metadata::text,'{}'), created_at
	`

	subscriptionColumns = `
		user_id, provider, customer_id, subscription_id, price_id, status, tier,
		current_period_start, current_period_end, last_event_id, last_event_version, created_at, updated_at
	`

	sqlSelectWalletByUser = `select ` + walletColumns + ` from wallets where user_id = $1`

	sqlSelectWalletForUpdate = `select ` + walletColumns + ` from wallets where id = $1 for update`

	sqlInsertWallet = `
		insert into wallets(
			id, user_id, balance, is_locked, tier, subscription_active,
			billing_cycle_start, billing_cycle_end, next_reset_date,
			cycle_earned, cycle_spent, cycle_purchased, last_sequence, created_at, updated_at
		)
		values(gen_random_uuid(), $1, 0, false, $2, false, $3, $4, $5, 0, 0, 0, 0, $6, $6)
		on conflict (user_id) do nothing
	`

	sqlUpdateWalletBalance = `
		update wallets
		set balance = $2, last_sequence = $3, cycle_earned = $4, cycle_spent = $5, cycle_purchased = $6, updated_at = $7
		where id = $1
	`

	sqlUpdateWalletState = `
		update wallets
		set is_locked = $2, tier = $3, subscription_active = $4,
			billing_cycle_start = $5, billing_cycle_end = $6, next_reset_date = $7,
			cycle_earned = $8, cycle_spent = $9, cycle_purchased = $10, updated_at = $11
		where id = $1
	`

	sqlListDueWallets = `
		select ` + walletColumns + ` from wallets
		where next_reset_date <= $1 and ($2 = '' or id::text > $2)
		order by id::text asc
		limit $3
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			id, wallet_id, sequence, type, amount, balance_after, action_type,
			reference_type, reference_id, idempotency_key, description, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, nullif($6,''),
			nullif($7,''), nullif($8,''), nullif($9,''), $10,
			coalesce(nullif($11,''),'{}')::jsonb, $12
		)
		returning ` + entryColumns

	sqlSelectEntryByKey = `select ` + entryColumns + ` from ledger_entries where wallet_id = $1 and idempotency_key = $2`

	sqlListEntries = `
		select ` + entryColumns + ` from ledger_entries
		where wallet_id = $1 and ($2 = 0 or sequence < $2)
		order by sequence desc
		limit $3
	`

	sqlSumEntries = `select coalesce(sum(amount),0) from ledger_entries where wallet_id = $1`

	sqlListPricingRules = `
		select action_type, cost_per_action, free_allowance_per_month, active, description, created_at, updated_at
		from pricing_rules order by action_type
	`

	sqlSelectPricingRule = `
		select action_type, cost_per_action, free_allowance_per_month, active, description, created_at, updated_at
		from pricing_rules where action_type = $1
	`

	sqlInsertPricingRule = `
		insert into pricing_rules(action_type, cost_per_action, free_allowance_per_month, active, description, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7)
		on conflict (action_type) do nothing
	`

	sqlUpdatePricingRule = `
		update pricing_rules
		set cost_per_action = $2, free_allowance_per_month = $3, active = $4, description = $5, updated_at = $6
		where action_type = $1
	`

	sqlSelectCounter = `
		select free_used, paid_used, credits_spent, updated_at
		from allowance_counters where user_id = $1 and action_type = $2 and period = $3
	`

	sqlUpsertCounter = `
		insert into allowance_counters(user_id, action_type, period, free_used, paid_used, credits_spent, updated_at)
		values($1, $2, $3, $4, $5, $6, $7)
		on conflict (user_id, action_type, period) do update set
			free_used = allowance_counters.free_used + excluded.free_used,
			paid_used = allowance_counters.paid_used + excluded.paid_used,
			credits_spent = allowance_counters.credits_spent + excluded.credits_spent,
			updated_at = excluded.updated_at
	`

	sqlResetCounters = `
		update allowance_counters set free_used = 0, paid_used = 0, credits_spent = 0
		where user_id = $1 and period = $2
	`

	sqlInsertWebhookEvent = `
		insert into webhook_events(provider, event_id, event_type, version, outcome, received_at)
		values($1, $2, $3, $4, $5, $6)
		on conflict (provider, event_id) do nothing
	`

	sqlSelectSubscriptionByUser = `select ` + subscriptionColumns + ` from subscriptions where user_id = $1`

	sqlSelectSubscriptionByCustomer = `select ` + subscriptionColumns + ` from subscriptions where provider = $1 and customer_id = $2`

	sqlUpsertSubscription = `
		insert into subscriptions(` + subscriptionColumns + `)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		on conflict (user_id) do update set
			provider = excluded.provider,
			customer_id = excluded.customer_id,
			subscription_id = excluded.subscription_id,
			price_id = excluded.price_id,
			status = excluded.status,
			tier = excluded.tier,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			last_event_id = excluded.last_event_id,
			last_event_version = excluded.last_event_version,
			updated_at = excluded.updated_at
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the lock_timeout applied to every transaction.
func WithLockTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		store.lockTimeout = timeout
	}
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx
// statements run in autocommit mode.
type Store struct {
	pool        *pgxpool.Pool
	db          querier
	inTx        bool
	lockTimeout time.Duration
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, options ...Option) *Store {
	store := &Store{pool: pool, db: pool}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return driverError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if store.lockTimeout > 0 {
		statement := fmt.Sprintf("set local lock_timeout = '%dms'", store.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, statement); err != nil {
			_ = tx.Rollback(ctx)
			return driverError(errorSubjectTransaction, errorCodeBegin, err)
		}
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true, lockTimeout: store.lockTimeout}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return driverError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) FindWalletByUserID(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWalletByUser, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, classify(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet, nil
}

func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	_, err := store.db.Exec(ctx, sqlInsertWallet,
		wallet.UserID.String(),
		wallet.Tier,
		wallet.BillingCycleStart.UTC(),
		wallet.BillingCycleEnd.UTC(),
		wallet.NextResetDate.UTC(),
		wallet.CreatedAt.UTC(),
	)
	if err != nil {
		return ledger.Wallet{}, driverError(errorSubjectWallet, errorCodeCreate, err)
	}
	return store.FindWalletByUserID(ctx, wallet.UserID)
}

func (store *Store) LockWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWalletForUpdate, walletID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, classify(errorSubjectWallet, errorCodeLock, err)
	}
	return wallet, nil
}

func (store *Store) SaveWalletBalance(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWalletBalance,
		wallet.ID.String(),
		wallet.Balance.Int64(),
		wallet.LastSequence,
		wallet.CycleEarned.Int64(),
		wallet.CycleSpent.Int64(),
		wallet.CyclePurchased.Int64(),
		wallet.UpdatedAt.UTC(),
	)
	return walletUpdateResult(tag, err)
}

func (store *Store) SaveWalletState(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWalletState,
		wallet.ID.String(),
		wallet.Locked,
		wallet.Tier,
		wallet.SubscriptionActive,
		wallet.BillingCycleStart.UTC(),
		wallet.BillingCycleEnd.UTC(),
		wallet.NextResetDate.UTC(),
		wallet.CycleEarned.Int64(),
		wallet.CycleSpent.Int64(),
		wallet.CyclePurchased.Int64(),
		wallet.UpdatedAt.UTC(),
	)
	return walletUpdateResult(tag, err)
}

func walletUpdateResult(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return driverError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ListDueWallets(ctx context.Context, asOf time.Time, afterWalletID string, limit int) ([]ledger.Wallet, error) {
	rows, err := store.db.Query(ctx, sqlListDueWallets, asOf.UTC(), afterWalletID, limit)
	if err != nil {
		return nil, driverError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	var wallets []ledger.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, classify(errorSubjectWallet, errorCodeList, err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError(errorSubjectWallet, errorCodeList, err)
	}
	return wallets, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	inserted, err := scanEntry(store.db.QueryRow(ctx, sqlInsertEntry,
		entry.WalletID.String(),
		entry.Sequence,
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.BalanceAfter.Int64(),
		entry.ActionType.String(),
		entry.Reference.Type,
		entry.Reference.ID,
		entry.IdempotencyKey.String(),
		entry.Description,
		entry.Metadata.String(),
		createdAt,
	))
	if isIdempotencyConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, classify(errorSubjectEntry, errorCodeInsert, err)
	}
	return inserted, nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, walletID ledger.WalletID, key ledger.IdempotencyKey) (ledger.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryByKey, walletID.String(), key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return ledger.Entry{}, classify(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, walletID ledger.WalletID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, walletID.String(), beforeSequence, limit)
	if err != nil {
		return nil, driverError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, classify(errorSubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, walletID ledger.WalletID) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, walletID.String()).Scan(&sum); err != nil {
		return 0, driverError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Credits(sum), nil
}

func (store *Store) ListPricingRules(ctx context.Context) ([]ledger.PricingRule, error) {
	rows, err := store.db.Query(ctx, sqlListPricingRules)
	if err != nil {
		return nil, driverError(errorSubjectRule, errorCodeList, err)
	}
	defer rows.Close()
	var rules []ledger.PricingRule
	for rows.Next() {
		rule, err := scanPricingRule(rows)
		if err != nil {
			return nil, classify(errorSubjectRule, errorCodeList, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, driverError(errorSubjectRule, errorCodeList, err)
	}
	return rules, nil
}

func (store *Store) GetPricingRule(ctx context.Context, actionType ledger.ActionType) (ledger.PricingRule, error) {
	rule, err := scanPricingRule(store.db.QueryRow(ctx, sqlSelectPricingRule, actionType.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PricingRule{}, wrapStoreError(errorSubjectRule, errorCodeGet, ledger.ErrPricingRuleNotFound)
	}
	if err != nil {
		return ledger.PricingRule{}, classify(errorSubjectRule, errorCodeGet, err)
	}
	return rule, nil
}

func (store *Store) CreatePricingRule(ctx context.Context, rule ledger.PricingRule) error {
	tag, err := store.db.Exec(ctx, sqlInsertPricingRule,
		rule.ActionType.String(),
		rule.CostPerAction.Int64(),
		rule.FreeAllowancePerMonth,
		rule.Active,
		rule.Description,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return driverError(errorSubjectRule, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRule, errorCodeDuplicate, ledger.ErrPricingRuleExists)
	}
	return nil
}

func (store *Store) UpdatePricingRule(ctx context.Context, rule ledger.PricingRule) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePricingRule,
		rule.ActionType.String(),
		rule.CostPerAction.Int64(),
		rule.FreeAllowancePerMonth,
		rule.Active,
		rule.Description,
		rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return driverError(errorSubjectRule, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRule, errorCodeUpdate, ledger.ErrPricingRuleNotFound)
	}
	return nil
}

func (store *Store) GetAllowanceCounter(ctx context.Context, userID ledger.UserID, actionType ledger.ActionType, period string) (ledger.AllowanceCounter, error) {
	counter := ledger.AllowanceCounter{UserID: userID, ActionType: actionType, Period: period}
	var creditsSpent int64
	err := store.db.QueryRow(ctx, sqlSelectCounter, userID.String(), actionType.String(), period).
		Scan(&counter.FreeUsed, &counter.PaidUsed, &creditsSpent, &counter.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return counter, nil
	}
	if err != nil {
		return ledger.AllowanceCounter{}, driverError(errorSubjectCounter, errorCodeGet, err)
	}
	counter.CreditsSpent = ledger.Credits(creditsSpent)
	counter.UpdatedAt = counter.UpdatedAt.UTC()
	return counter, nil
}

func (store *Store) IncrementAllowanceCounter(ctx context.Context, delta ledger.UsageDelta) error {
	_, err := store.db.Exec(ctx, sqlUpsertCounter,
		delta.UserID.String(),
		delta.ActionType.String(),
		delta.Period,
		delta.FreeDelta,
		delta.PaidDelta,
		delta.CreditsDelta.Int64(),
		delta.UpdatedAt.UTC(),
	)
	if err != nil {
		return driverError(errorSubjectCounter, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ResetAllowanceCounters(ctx context.Context, userID ledger.UserID, period string) error {
	if _, err := store.db.Exec(ctx, sqlResetCounters, userID.String(), period); err != nil {
		return driverError(errorSubjectCounter, errorCodeReset, err)
	}
	return nil
}

func (store *Store) InsertWebhookEvent(ctx context.Context, record ledger.WebhookEventRecord) error {
	tag, err := store.db.Exec(ctx, sqlInsertWebhookEvent,
		record.Provider,
		record.EventID,
		record.EventType,
		record.Version,
		record.Outcome,
		record.ReceivedAt.UTC(),
	)
	if err != nil {
		return driverError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	return nil
}

func (store *Store) GetSubscription(ctx context.Context, userID ledger.UserID) (ledger.Subscription, error) {
	return subscriptionResult(scanSubscription(store.db.QueryRow(ctx, sqlSelectSubscriptionByUser, userID.String())))
}

func (store *Store) FindSubscriptionByCustomerID(ctx context.Context, provider string, customerID string) (ledger.Subscription, error) {
	return subscriptionResult(scanSubscription(store.db.QueryRow(ctx, sqlSelectSubscriptionByCustomer, provider, customerID)))
}

func subscriptionResult(subscription ledger.Subscription, err error) (ledger.Subscription, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, ledger.ErrSubscriptionNotFound)
	}
	if err != nil {
		return ledger.Subscription{}, classify(errorSubjectSubscription, errorCodeGet, err)
	}
	return subscription, nil
}

func (store *Store) SaveSubscription(ctx context.Context, subscription ledger.Subscription) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.UserID.String(),
		subscription.Provider,
		subscription.CustomerID,
		subscription.SubscriptionID,
		subscription.PriceID,
		subscription.Status,
		subscription.Tier,
		optionalTime(subscription.CurrentPeriodStart),
		optionalTime(subscription.CurrentPeriodEnd),
		subscription.LastEventID,
		subscription.LastEventVersion,
		subscription.CreatedAt.UTC(),
		subscription.UpdatedAt.UTC(),
	)
	if err != nil {
		return driverError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// classify keeps domain errors raised while mapping rows and treats anything
// else as a driver failure.
func classify(subject string, code string, err error) error {
	var operationError ledger.OperationError
	if errors.As(err, &operationError) {
		return err
	}
	return driverError(subject, code, err)
}

func driverError(subject string, code string, err error) error {
	if isLockTimeout(err) {
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", ledger.ErrConcurrencyTimeout, err))
	}
	return wrapStoreError(subject, code, ledger.PersistenceError(err))
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotency
	}
	return false
}

func isLockTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailureCode:
			return true
		}
	}
	return false
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
