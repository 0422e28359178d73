package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type counterKey struct {
	userID     string
	actionType string
	period     string
}

type webhookEventKey struct {
	provider string
	eventID  string
}

// stubStore is an in-memory Store. WithTx serializes transactions and restores
// a snapshot when the callback fails.
type stubStore struct {
	mu            sync.Mutex
	nextID        int
	wallets       map[string]Wallet
	entries       []Entry
	rules         map[string]PricingRule
	counters      map[counterKey]AllowanceCounter
	subscriptions map[string]Subscription
	webhookEvents map[webhookEventKey]WebhookEventRecord
	lockCalls     int
	failWith      error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		wallets:       make(map[string]Wallet),
		rules:         make(map[string]PricingRule),
		counters:      make(map[counterKey]AllowanceCounter),
		subscriptions: make(map[string]Subscription),
		webhookEvents: make(map[webhookEventKey]WebhookEventRecord),
	}
}

type stubSnapshot struct {
	nextID        int
	wallets       map[string]Wallet
	entries       []Entry
	rules         map[string]PricingRule
	counters      map[counterKey]AllowanceCounter
	subscriptions map[string]Subscription
	webhookEvents map[webhookEventKey]WebhookEventRecord
}

func (store *stubStore) snapshot() stubSnapshot {
	snapshot := stubSnapshot{
		nextID:        store.nextID,
		wallets:       make(map[string]Wallet, len(store.wallets)),
		entries:       append([]Entry(nil), store.entries...),
		rules:         make(map[string]PricingRule, len(store.rules)),
		counters:      make(map[counterKey]AllowanceCounter, len(store.counters)),
		subscriptions: make(map[string]Subscription, len(store.subscriptions)),
		webhookEvents: make(map[webhookEventKey]WebhookEventRecord, len(store.webhookEvents)),
	}
	for key, value := range store.wallets {
		snapshot.wallets[key] = value
	}
	for key, value := range store.rules {
		snapshot.rules[key] = value
	}
	for key, value := range store.counters {
		snapshot.counters[key] = value
	}
	for key, value := range store.subscriptions {
		snapshot.subscriptions[key] = value
	}
	for key, value := range store.webhookEvents {
		snapshot.webhookEvents[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.nextID = snapshot.nextID
	store.wallets = snapshot.wallets
	store.entries = snapshot.entries
	store.rules = snapshot.rules
	store.counters = snapshot.counters
	store.subscriptions = snapshot.subscriptions
	store.webhookEvents = snapshot.webhookEvents
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) FindWalletByUserID(_ context.Context, userID UserID) (Wallet, error) {
	for _, wallet := range store.wallets {
		if wallet.UserID == userID {
			return wallet, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (store *stubStore) CreateWallet(_ context.Context, wallet Wallet) (Wallet, error) {
	store.nextID++
	wallet.ID = WalletID{value: fmt.Sprintf("wallet-%d", store.nextID)}
	store.wallets[wallet.ID.String()] = wallet
	return wallet, nil
}

func (store *stubStore) LockWallet(_ context.Context, walletID WalletID) (Wallet, error) {
	store.lockCalls++
	wallet, ok := store.wallets[walletID.String()]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) SaveWalletBalance(_ context.Context, wallet Wallet) error {
	stored, ok := store.wallets[wallet.ID.String()]
	if !ok {
		return ErrWalletNotFound
	}
	stored.Balance = wallet.Balance
	stored.LastSequence = wallet.LastSequence
	stored.CycleEarned = wallet.CycleEarned
	stored.CycleSpent = wallet.CycleSpent
	stored.CyclePurchased = wallet.CyclePurchased
	stored.UpdatedAt = wallet.UpdatedAt
	store.wallets[wallet.ID.String()] = stored
	return nil
}

func (store *stubStore) SaveWalletState(_ context.Context, wallet Wallet) error {
	stored, ok := store.wallets[wallet.ID.String()]
	if !ok {
		return ErrWalletNotFound
	}
	wallet.Balance = stored.Balance
	wallet.LastSequence = stored.LastSequence
	store.wallets[wallet.ID.String()] = wallet
	return nil
}

func (store *stubStore) ListDueWallets(_ context.Context, asOf time.Time, afterWalletID string, limit int) ([]Wallet, error) {
	var due []Wallet
	for _, wallet := range store.wallets {
		if wallet.IsDue(asOf) && wallet.ID.String() > afterWalletID {
			due = append(due, wallet)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].ID.String() < due[right].ID.String() })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) (Entry, error) {
	if !entry.IdempotencyKey.IsZero() {
		if _, err := store.FindEntryByIdempotencyKey(context.Background(), entry.WalletID, entry.IdempotencyKey); err == nil {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	entry.ID = fmt.Sprintf("entry-%d", store.nextID)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) FindEntryByIdempotencyKey(_ context.Context, walletID WalletID, key IdempotencyKey) (Entry, error) {
	for _, entry := range store.entries {
		if entry.WalletID == walletID && entry.IdempotencyKey == key {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (store *stubStore) ListEntries(_ context.Context, walletID WalletID, beforeSequence int64, limit int) ([]Entry, error) {
	var listed []Entry
	for index := len(store.entries) - 1; index >= 0 && len(listed) < limit; index-- {
		entry := store.entries[index]
		if entry.WalletID != walletID {
			continue
		}
		if beforeSequence > 0 && entry.Sequence >= beforeSequence {
			continue
		}
		listed = append(listed, entry)
	}
	return listed, nil
}

func (store *stubStore) SumEntries(_ context.Context, walletID WalletID) (Credits, error) {
	var sum Credits
	for _, entry := range store.entries {
		if entry.WalletID == walletID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListPricingRules(context.Context) ([]PricingRule, error) {
	rules := make([]PricingRule, 0, len(store.rules))
	for _, rule := range store.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(left, right int) bool {
		return rules[left].ActionType.String() < rules[right].ActionType.String()
	})
	return rules, nil
}

func (store *stubStore) GetPricingRule(_ context.Context, actionType ActionType) (PricingRule, error) {
	rule, ok := store.rules[actionType.String()]
	if !ok {
		return PricingRule{}, ErrPricingRuleNotFound
	}
	return rule, nil
}

func (store *stubStore) CreatePricingRule(_ context.Context, rule PricingRule) error {
	if _, exists := store.rules[rule.ActionType.String()]; exists {
		return ErrPricingRuleExists
	}
	store.rules[rule.ActionType.String()] = rule
	return nil
}

func (store *stubStore) UpdatePricingRule(_ context.Context, rule PricingRule) error {
	if _, exists := store.rules[rule.ActionType.String()]; !exists {
		return ErrPricingRuleNotFound
	}
	store.rules[rule.ActionType.String()] = rule
	return nil
}

func (store *stubStore) GetAllowanceCounter(_ context.Context, userID UserID, actionType ActionType, period string) (AllowanceCounter, error) {
	counter, ok := store.counters[counterKey{userID: userID.String(), actionType: actionType.String(), period: period}]
	if !ok {
		return AllowanceCounter{UserID: userID, ActionType: actionType, Period: period}, nil
	}
	return counter, nil
}

func (store *stubStore) IncrementAllowanceCounter(_ context.Context, delta UsageDelta) error {
	key := counterKey{userID: delta.UserID.String(), actionType: delta.ActionType.String(), period: delta.Period}
	counter := store.counters[key]
	counter.UserID = delta.UserID
	counter.ActionType = delta.ActionType
	counter.Period = delta.Period
	counter.FreeUsed += delta.FreeDelta
	counter.PaidUsed += delta.PaidDelta
	counter.CreditsSpent += delta.CreditsDelta
	counter.UpdatedAt = delta.UpdatedAt
	store.counters[key] = counter
	return nil
}

func (store *stubStore) ResetAllowanceCounters(_ context.Context, userID UserID, period string) error {
	for key, counter := range store.counters {
		if key.userID == userID.String() && key.period == period {
			counter.FreeUsed, counter.PaidUsed, counter.CreditsSpent = 0, 0, 0
			store.counters[key] = counter
		}
	}
	return nil
}

func (store *stubStore) InsertWebhookEvent(_ context.Context, record WebhookEventRecord) error {
	key := webhookEventKey{provider: record.Provider, eventID: record.EventID}
	if _, exists := store.webhookEvents[key]; exists {
		return ErrDuplicateEvent
	}
	store.webhookEvents[key] = record
	return nil
}

func (store *stubStore) GetSubscription(_ context.Context, userID UserID) (Subscription, error) {
	subscription, ok := store.subscriptions[userID.String()]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (store *stubStore) FindSubscriptionByCustomerID(_ context.Context, provider string, customerID string) (Subscription, error) {
	for _, subscription := range store.subscriptions {
		if subscription.Provider == provider && subscription.CustomerID == customerID {
			return subscription, nil
		}
	}
	return Subscription{}, ErrSubscriptionNotFound
}

func (store *stubStore) SaveSubscription(_ context.Context, subscription Subscription) error {
	store.subscriptions[subscription.UserID.String()] = subscription
	return nil
}

func (store *stubStore) walletFor(test *testing.T, userID UserID) Wallet {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, err := store.FindWalletByUserID(context.Background(), userID)
	if err != nil {
		test.Fatalf("wallet for %s: %v", userID, err)
	}
	return wallet
}

func (store *stubStore) seedWallet(test *testing.T, userID UserID, balance Credits) Wallet {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, err := store.CreateWallet(context.Background(), NewWallet(userID, fixedNow()))
	if err != nil {
		test.Fatalf("seed wallet: %v", err)
	}
	if balance != 0 {
		wallet.Balance = balance
		wallet.LastSequence = 1
		store.wallets[wallet.ID.String()] = wallet
		store.entries = append(store.entries, Entry{ID: "seed-" + wallet.ID.String(), WalletID: wallet.ID, Sequence: 1, Type: EntryEarn, Amount: balance, BalanceAfter: balance})
	}
	return wallet
}

func (store *stubStore) seedRule(test *testing.T, actionType string, cost Credits, allowance int64) PricingRule {
	test.Helper()
	rule := PricingRule{ActionType: mustActionType(test, actionType), CostPerAction: cost, FreeAllowancePerMonth: allowance, Active: true}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.rules[rule.ActionType.String()] = rule
	return rule
}

func (store *stubStore) entriesFor(walletID WalletID) []Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var filtered []Entry
	for _, entry := range store.entries {
		if entry.WalletID == walletID {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func fixedNow() time.Time {
	return time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustActionType(test *testing.T, raw string) ActionType {
	test.Helper()
	actionType, err := NewActionType(raw)
	if err != nil {
		test.Fatalf("action type: %v", err)
	}
	return actionType
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustAppender(test *testing.T, store Store, options ...AppenderOption) *Appender {
	test.Helper()
	appender, err := NewAppender(store, fixedNow, options...)
	if err != nil {
		test.Fatalf("appender: %v", err)
	}
	return appender
}

func mustPricing(test *testing.T, store Store, options ...PricingOption) *PricingService {
	test.Helper()
	pricing, err := NewPricingService(store, fixedNow, options...)
	if err != nil {
		test.Fatalf("pricing: %v", err)
	}
	return pricing
}

func mustCoordinator(test *testing.T, store Store, options ...SpendOption) *SpendCoordinator {
	test.Helper()
	coordinator, err := NewSpendCoordinator(store, mustAppender(test, store), mustPricing(test, store), fixedNow, options...)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	return coordinator
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected logged operation")
	}
	return logger.entries[len(logger.entries)-1]
}

type recordingBalanceCache struct {
	mu          sync.Mutex
	balances    map[string]Credits
	invalidated []string
}

func newRecordingBalanceCache() *recordingBalanceCache {
	return &recordingBalanceCache{balances: make(map[string]Credits)}
}

func (cache *recordingBalanceCache) GetBalance(_ context.Context, userID UserID) (Credits, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	balance, ok := cache.balances[userID.String()]
	return balance, ok
}

func (cache *recordingBalanceCache) SetBalance(_ context.Context, userID UserID, balance Credits) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.balances[userID.String()] = balance
}

func (cache *recordingBalanceCache) InvalidateBalance(_ context.Context, userID UserID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.balances, userID.String())
	cache.invalidated = append(cache.invalidated, userID.String())
}

var errStubBoom = errors.New("boom")
