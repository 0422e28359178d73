package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/wallet.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return New(db)
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustActionType(test *testing.T, raw string) ledger.ActionType {
	test.Helper()
	actionType, err := ledger.NewActionType(raw)
	if err != nil {
		test.Fatalf("action type: %v", err)
	}
	return actionType
}

func mustWallet(test *testing.T, store *Store, userID ledger.UserID) ledger.Wallet {
	test.Helper()
	wallet, err := store.CreateWallet(context.Background(), ledger.NewWallet(userID, testNow))
	if err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	return wallet
}

func mustAppender(test *testing.T, store ledger.Store) *ledger.Appender {
	test.Helper()
	appender, err := ledger.NewAppender(store, func() time.Time { return testNow })
	if err != nil {
		test.Fatalf("appender: %v", err)
	}
	return appender
}

func TestCreateWalletConverges(test *testing.T) {
	store := openTestStore(test)
	userID := mustUserID(test, "user-1")

	first := mustWallet(test, store, userID)
	second := mustWallet(test, store, userID)
	if first.ID != second.ID {
		test.Fatalf("expected one wallet, got %s and %s", first.ID, second.ID)
	}
	if first.Tier != ledger.DefaultTier || !first.BillingCycleStart.Equal(ledger.DateOf(testNow)) {
		test.Fatalf("unexpected wallet: %+v", first)
	}
	if _, err := store.FindWalletByUserID(context.Background(), mustUserID(test, "ghost")); !errors.Is(err, ledger.ErrWalletNotFound) {
		test.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestSpendScenarioOnSQLite(test *testing.T) {
	store := openTestStore(test)
	wallet := mustWallet(test, store, mustUserID(test, "user-1"))
	appender := mustAppender(test, store)
	ctx := context.Background()

	if _, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntryPurchase, Amount: 100}); err != nil {
		test.Fatalf("seed purchase: %v", err)
	}
	entry, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntrySpend, Amount: -30})
	if err != nil {
		test.Fatalf("spend 30: %v", err)
	}
	if entry.Amount != -30 || entry.BalanceAfter != 70 || entry.Sequence != 2 {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if _, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntrySpend, Amount: -80}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	stored, err := store.FindWalletByUserID(ctx, wallet.UserID)
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if stored.Balance != 70 || stored.LastSequence != 2 {
		test.Fatalf("unexpected wallet after overdraft: %+v", stored)
	}
}

func TestConcurrentSpendsNeverOverdraw(test *testing.T) {
	store := openTestStore(test)
	wallet := mustWallet(test, store, mustUserID(test, "user-1"))
	appender := mustAppender(test, store)
	ctx := context.Background()
	if _, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntryPurchase, Amount: 100}); err != nil {
		test.Fatalf("seed purchase: %v", err)
	}

	const workers = 2
	results := make([]error, workers)
	var waitGroup sync.WaitGroup
	start := make(chan struct{})
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			<-start
			_, results[index] = appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntrySpend, Amount: -60})
		}(index)
	}
	close(start)
	waitGroup.Wait()

	var succeeded, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		test.Fatalf("expected one success and one rejection, got %d/%d", succeeded, insufficient)
	}
	stored, _ := store.FindWalletByUserID(ctx, wallet.UserID)
	if stored.Balance != 40 {
		test.Fatalf("expected 40, got %d", stored.Balance)
	}
}

func TestConcurrentMixedAppendsMatchLedger(test *testing.T) {
	store := openTestStore(test)
	wallet := mustWallet(test, store, mustUserID(test, "user-1"))
	appender := mustAppender(test, store)
	ctx := context.Background()
	if _, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: ledger.EntryPurchase, Amount: 50}); err != nil {
		test.Fatalf("seed purchase: %v", err)
	}

	amounts := []ledger.Credits{-20, -20, 15, -30, 10, -5, -40, 25}
	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	committed := ledger.Credits(50)
	for _, amount := range amounts {
		waitGroup.Add(1)
		go func(amount ledger.Credits) {
			defer waitGroup.Done()
			entryType := ledger.EntryEarn
			if amount < 0 {
				entryType = ledger.EntrySpend
			}
			if _, err := appender.Append(ctx, wallet.ID, ledger.AppendRequest{Type: entryType, Amount: amount}); err == nil {
				mutex.Lock()
				committed += amount
				mutex.Unlock()
			}
		}(amount)
	}
	waitGroup.Wait()

	stored, _ := store.FindWalletByUserID(ctx, wallet.UserID)
	if stored.Balance != committed || stored.Balance < 0 {
		test.Fatalf("balance %d does not match committed deltas %d", stored.Balance, committed)
	}
	sum, err := store.SumEntries(ctx, wallet.ID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != stored.Balance {
		test.Fatalf("ledger replay %d differs from stored balance %d", sum, stored.Balance)
	}
	entries, err := store.ListEntries(ctx, wallet.ID, 0, 100)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	for index, entry := range entries {
		if entry.Sequence != stored.LastSequence-int64(index) {
			test.Fatalf("sequence gap at %d: %d", index, entry.Sequence)
		}
		if entry.BalanceAfter < 0 {
			test.Fatalf("negative balance_after in %+v", entry)
		}
	}
}

func TestInsertEntryDuplicateIdempotencyKey(test *testing.T) {
	store := openTestStore(test)
	wallet := mustWallet(test, store, mustUserID(test, "user-1"))
	key, _ := ledger.NewIdempotencyKey("purchase:cs_1")
	entry := ledger.Entry{WalletID: wallet.ID, Sequence: 1, Type: ledger.EntryPurchase, Amount: 10, BalanceAfter: 10, IdempotencyKey: key, CreatedAt: testNow}
	ctx := context.Background()

	inserted, err := store.InsertEntry(ctx, entry)
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	if inserted.ID == "" || inserted.Metadata.String() != "{}" {
		test.Fatalf("unexpected inserted entry: %+v", inserted)
	}
	entry.Sequence = 2
	if _, err := store.InsertEntry(ctx, entry); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected duplicate key, got %v", err)
	}
	found, err := store.FindEntryByIdempotencyKey(ctx, wallet.ID, key)
	if err != nil || found.ID != inserted.ID {
		test.Fatalf("expected original entry, got %+v %v", found, err)
	}
	other, _ := ledger.NewIdempotencyKey("purchase:cs_2")
	if _, err := store.FindEntryByIdempotencyKey(ctx, wallet.ID, other); !errors.Is(err, ledger.ErrEntryNotFound) {
		test.Fatalf("expected entry not found, got %v", err)
	}
	noKey := ledger.Entry{WalletID: wallet.ID, Sequence: 3, Type: ledger.EntryEarn, Amount: 1, BalanceAfter: 11, CreatedAt: testNow}
	if _, err := store.InsertEntry(ctx, noKey); err != nil {
		test.Fatalf("entries without keys must not conflict: %v", err)
	}
	noKey.Sequence = 4
	if _, err := store.InsertEntry(ctx, noKey); err != nil {
		test.Fatalf("second keyless entry: %v", err)
	}
}

func TestAllowanceCounterUpsertAccumulates(test *testing.T) {
	store := openTestStore(test)
	userID := mustUserID(test, "user-1")
	actionType := mustActionType(test, "profile_analytics")
	ctx := context.Background()

	counter, err := store.GetAllowanceCounter(ctx, userID, actionType, "2024-03")
	if err != nil || counter.FreeUsed != 0 {
		test.Fatalf("expected zero counter, got %+v %v", counter, err)
	}
	for index := 0; index < 3; index++ {
		delta := ledger.UsageDelta{UserID: userID, ActionType: actionType, Period: "2024-03", FreeDelta: 1, PaidDelta: 2, CreditsDelta: 50, UpdatedAt: testNow}
		if err := store.IncrementAllowanceCounter(ctx, delta); err != nil {
			test.Fatalf("increment: %v", err)
		}
	}
	counter, _ = store.GetAllowanceCounter(ctx, userID, actionType, "2024-03")
	if counter.FreeUsed != 3 || counter.PaidUsed != 6 || counter.CreditsSpent != 150 {
		test.Fatalf("unexpected counter: %+v", counter)
	}
	if err := store.ResetAllowanceCounters(ctx, userID, "2024-03"); err != nil {
		test.Fatalf("reset: %v", err)
	}
	counter, _ = store.GetAllowanceCounter(ctx, userID, actionType, "2024-03")
	if counter.FreeUsed != 0 || counter.PaidUsed != 0 || counter.CreditsSpent != 0 {
		test.Fatalf("expected zeroed counter, got %+v", counter)
	}
}

func TestPricingRuleLifecycle(test *testing.T) {
	store := openTestStore(test)
	ctx := context.Background()
	rule := ledger.PricingRule{ActionType: mustActionType(test, "email_unlock"), CostPerAction: 10, FreeAllowancePerMonth: 2, Active: true, CreatedAt: testNow, UpdatedAt: testNow}

	if err := store.CreatePricingRule(ctx, rule); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreatePricingRule(ctx, rule); !errors.Is(err, ledger.ErrPricingRuleExists) {
		test.Fatalf("expected rule exists, got %v", err)
	}
	rule.Active = false
	rule.CostPerAction = 0
	if err := store.UpdatePricingRule(ctx, rule); err != nil {
		test.Fatalf("update: %v", err)
	}
	stored, err := store.GetPricingRule(ctx, rule.ActionType)
	if err != nil || stored.Active || stored.CostPerAction != 0 {
		test.Fatalf("expected zero values to persist, got %+v %v", stored, err)
	}
	missing := rule
	missing.ActionType = mustActionType(test, "missing")
	if err := store.UpdatePricingRule(ctx, missing); !errors.Is(err, ledger.ErrPricingRuleNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
	rules, err := store.ListPricingRules(ctx)
	if err != nil || len(rules) != 1 {
		test.Fatalf("expected one rule, got %d %v", len(rules), err)
	}
}

func TestWebhookEventDedupAndRollback(test *testing.T) {
	store := openTestStore(test)
	ctx := context.Background()
	record := ledger.WebhookEventRecord{Provider: "stripe", EventID: "evt_1", EventType: "invoice.payment_succeeded", Outcome: "applied", ReceivedAt: testNow}
	rollback := errors.New("rollback")

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.InsertWebhookEvent(ctx, record); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		test.Fatalf("expected callback error to pass through, got %v", err)
	}
	if err := store.InsertWebhookEvent(ctx, record); err != nil {
		test.Fatalf("rolled-back dedup row must not persist: %v", err)
	}
	if err := store.InsertWebhookEvent(ctx, record); !errors.Is(err, ledger.ErrDuplicateEvent) {
		test.Fatalf("expected duplicate event, got %v", err)
	}
}

func TestSubscriptionUpsertAndLookup(test *testing.T) {
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	subscription := ledger.Subscription{
		UserID:             userID,
		Provider:           "stripe",
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		PriceID:            "price_pro",
		Status:             "active",
		Tier:               "pro",
		CurrentPeriodStart: testNow,
		CurrentPeriodEnd:   testNow.AddDate(0, 1, 0),
		LastEventID:        "evt_1",
		LastEventVersion:   100,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	if err := store.SaveSubscription(ctx, subscription); err != nil {
		test.Fatalf("save: %v", err)
	}
	subscription.Status = "past_due"
	subscription.LastEventVersion = 200
	if err := store.SaveSubscription(ctx, subscription); err != nil {
		test.Fatalf("resave: %v", err)
	}
	stored, err := store.FindSubscriptionByCustomerID(ctx, "stripe", "cus_1")
	if err != nil {
		test.Fatalf("find by customer: %v", err)
	}
	if stored.Status != "past_due" || stored.LastEventVersion != 200 || !stored.CurrentPeriodEnd.Equal(subscription.CurrentPeriodEnd) {
		test.Fatalf("unexpected subscription: %+v", stored)
	}
	if _, err := store.GetSubscription(ctx, mustUserID(test, "ghost")); !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		test.Fatalf("expected subscription not found, got %v", err)
	}
}

func TestListDueWalletsPages(test *testing.T) {
	store := openTestStore(test)
	ctx := context.Background()
	for _, raw := range []string{"a", "b", "c"} {
		mustWallet(test, store, mustUserID(test, raw))
	}
	asOf := ledger.AddMonths(ledger.DateOf(testNow), 1)

	if due, _ := store.ListDueWallets(ctx, testNow, "", 10); len(due) != 0 {
		test.Fatalf("expected no due wallets yet, got %d", len(due))
	}
	firstPage, err := store.ListDueWallets(ctx, asOf, "", 2)
	if err != nil || len(firstPage) != 2 {
		test.Fatalf("expected first page of 2, got %d %v", len(firstPage), err)
	}
	secondPage, err := store.ListDueWallets(ctx, asOf, firstPage[1].ID.String(), 2)
	if err != nil || len(secondPage) != 1 {
		test.Fatalf("expected second page of 1, got %d %v", len(secondPage), err)
	}
}

func TestSaveWalletStatePersistsFlags(test *testing.T) {
	store := openTestStore(test)
	ctx := context.Background()
	wallet := mustWallet(test, store, mustUserID(test, "user-1"))
	wallet.Locked = true
	wallet.Tier = "pro"
	wallet.SubscriptionActive = true
	wallet.NextResetDate = ledger.AddMonths(wallet.NextResetDate, 1)
	wallet.Balance = 999
	if err := store.SaveWalletState(ctx, wallet); err != nil {
		test.Fatalf("save state: %v", err)
	}
	stored, _ := store.FindWalletByUserID(ctx, wallet.UserID)
	if !stored.Locked || stored.Tier != "pro" || !stored.SubscriptionActive || !stored.NextResetDate.Equal(wallet.NextResetDate) {
		test.Fatalf("unexpected state: %+v", stored)
	}
	if stored.Balance != 0 {
		test.Fatalf("state save must not touch balance, got %d", stored.Balance)
	}
	wallet.Locked = false
	if err := store.SaveWalletState(ctx, wallet); err != nil {
		test.Fatalf("unlock: %v", err)
	}
	stored, _ = store.FindWalletByUserID(ctx, wallet.UserID)
	if stored.Locked {
		test.Fatalf("expected unlocked wallet")
	}
}
