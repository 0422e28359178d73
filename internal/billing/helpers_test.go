package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

var testNow = time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func openStore(test *testing.T) *gormstore.Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/billing.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return gormstore.New(db)
}

func mustCatalog(test *testing.T) *TierCatalog {
	test.Helper()
	catalog, err := NewTierCatalog([]Tier{
		{Name: "basic", MonthlyCredits: 100, Policy: PolicyFull, PriceIDs: []string{"price_basic"}},
		{Name: "pro", MonthlyCredits: 500, Policy: PolicyRollover, RolloverCap: 800, PriceIDs: []string{"price_pro"}},
	}, decimal.NewFromInt(10))
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	return catalog
}

func mustAppenderAt(test *testing.T, store ledger.Store, now func() time.Time) *ledger.Appender {
	test.Helper()
	appender, err := ledger.NewAppender(store, now)
	if err != nil {
		test.Fatalf("appender: %v", err)
	}
	return appender
}

func mustVerifier(test *testing.T) *StripeVerifier {
	test.Helper()
	verifier, err := NewStripeVerifier(testSecret, 0, fixedClock)
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	return verifier
}

func mustReconciler(test *testing.T, store ledger.Store, options ...ReconcilerOption) (*Reconciler, *StripeVerifier) {
	test.Helper()
	verifier := mustVerifier(test)
	reconciler, err := NewReconciler(mustAppenderAt(test, store, fixedClock), verifier, mustCatalog(test), options...)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	return reconciler, verifier
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustWalletFor(test *testing.T, store ledger.Store, userID ledger.UserID) ledger.Wallet {
	test.Helper()
	wallet, err := store.FindWalletByUserID(context.Background(), userID)
	if err != nil {
		test.Fatalf("find wallet %s: %v", userID, err)
	}
	return wallet
}

func mustEntries(test *testing.T, store ledger.Store, wallet ledger.Wallet) []ledger.Entry {
	test.Helper()
	entries, err := store.ListEntries(context.Background(), wallet.ID, 0, 100)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	return entries
}

func assertLedgerMatchesBalance(test *testing.T, store ledger.Store, wallet ledger.Wallet) {
	test.Helper()
	sum, err := store.SumEntries(context.Background(), wallet.ID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if sum != wallet.Balance {
		test.Fatalf("ledger sum %d does not match balance %d", sum, wallet.Balance)
	}
}

type webhookFixture struct {
	id      string
	kind    string
	created int64
	object  map[string]any
	extra   map[string]any
}

func encodeEvent(test *testing.T, fixture webhookFixture) []byte {
	test.Helper()
	data := map[string]any{"object": fixture.object}
	for key, value := range fixture.extra {
		data[key] = value
	}
	payload, err := json.Marshal(map[string]any{
		"id":      fixture.id,
		"type":    fixture.kind,
		"created": fixture.created,
		"data":    data,
	})
	if err != nil {
		test.Fatalf("encode event: %v", err)
	}
	return payload
}

func subscriptionObject(customer string, userID string, status string, priceID string) map[string]any {
	object := map[string]any{
		"id":                   "sub_" + customer,
		"customer":             customer,
		"status":               status,
		"current_period_start": testNow.Unix(),
		"current_period_end":   ledger.AddMonths(testNow, 1).Unix(),
		"items": map[string]any{
			"data": []any{map[string]any{"price": map[string]any{"id": priceID}}},
		},
	}
	if userID != "" {
		object["metadata"] = map[string]any{"user_id": userID}
	}
	return object
}

type recordingLogger struct {
	entries []ledger.OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.entries = append(logger.entries, entry)
}
