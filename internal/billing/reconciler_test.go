package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
)

type deliverer struct {
	test       *testing.T
	reconciler *Reconciler
	verifier   *StripeVerifier
}

func (d deliverer) deliver(fixture webhookFixture) (Outcome, error) {
	d.test.Helper()
	payload := encodeEvent(d.test, fixture)
	return d.reconciler.Handle(context.Background(), payload, d.verifier.Sign(payload, testNow))
}

func (d deliverer) mustApply(fixture webhookFixture) {
	d.test.Helper()
	outcome, err := d.deliver(fixture)
	if err != nil || outcome != OutcomeApplied {
		d.test.Fatalf("event %s: expected applied, got %s %v", fixture.id, outcome, err)
	}
}

func newDeliverer(test *testing.T, store ledger.Store, options ...ReconcilerOption) deliverer {
	reconciler, verifier := mustReconciler(test, store, options...)
	return deliverer{test: test, reconciler: reconciler, verifier: verifier}
}

func TestSubscriptionLifecycleRecomputesAllowance(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	userID := mustUserID(test, "user-1")

	steps := []struct {
		fixture     webhookFixture
		wantBalance ledger.Credits
		wantTier    string
	}{
		{fixture: webhookFixture{id: "evt_1", kind: EventSubscriptionCreated, created: 1000, object: subscriptionObject("cus_1", "user-1", StatusActive, "price_basic")}, wantBalance: 100, wantTier: "basic"},
		{fixture: webhookFixture{id: "evt_2", kind: EventSubscriptionUpdated, created: 2000, object: subscriptionObject("cus_1", "user-1", StatusActive, "price_pro")}, wantBalance: 500, wantTier: "pro"},
		{fixture: webhookFixture{id: "evt_3", kind: EventInvoicePaymentFailed, created: 3000, object: map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_cus_1"}}, wantBalance: 0, wantTier: ledger.DefaultTier},
		{fixture: webhookFixture{id: "evt_4", kind: EventInvoicePaymentSucceeded, created: 4000, object: map[string]any{"id": "in_2", "customer": "cus_1", "subscription": "sub_cus_1"}}, wantBalance: 500, wantTier: "pro"},
		{fixture: webhookFixture{id: "evt_5", kind: EventSubscriptionDeleted, created: 5000, object: map[string]any{"id": "sub_cus_1", "customer": "cus_1"}}, wantBalance: 0, wantTier: ledger.DefaultTier},
	}
	for _, step := range steps {
		d.mustApply(step.fixture)
		wallet := mustWalletFor(test, store, userID)
		if wallet.Balance != step.wantBalance || wallet.EffectiveTier() != step.wantTier {
			test.Fatalf("after %s: expected balance %d tier %s, got %d %s", step.fixture.id, step.wantBalance, step.wantTier, wallet.Balance, wallet.EffectiveTier())
		}
		assertLedgerMatchesBalance(test, store, wallet)
	}

	subscription, err := store.GetSubscription(context.Background(), userID)
	if err != nil {
		test.Fatalf("subscription: %v", err)
	}
	if subscription.Status != StatusCanceled || subscription.LastEventID != "evt_5" || subscription.LastEventVersion != 5000 || subscription.CustomerID != "cus_1" {
		test.Fatalf("unexpected subscription: %+v", subscription)
	}
	entries := mustEntries(test, store, mustWalletFor(test, store, userID))
	if len(entries) != len(steps) {
		test.Fatalf("expected one reset entry per tier change, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Type != ledger.EntryReset || entry.Reference.Type != referenceTypeEvent {
			test.Fatalf("unexpected entry: %+v", entry)
		}
	}
}

func TestRealignedWindowStartsWithFreshAllowance(test *testing.T) {
	store := openStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-7")
	if _, err := store.CreateWallet(ctx, ledger.NewWallet(userID, testNow)); err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	actionType, err := ledger.NewActionType("profile_report")
	if err != nil {
		test.Fatalf("action type: %v", err)
	}
	if err := store.IncrementAllowanceCounter(ctx, ledger.UsageDelta{UserID: userID, ActionType: actionType, Period: "2024-02", FreeDelta: 3, UpdatedAt: testNow}); err != nil {
		test.Fatalf("seed usage: %v", err)
	}

	periodStart := time.Date(2024, time.February, 20, 0, 0, 0, 0, time.UTC)
	object := subscriptionObject("cus_7", "user-7", StatusActive, "price_basic")
	object["current_period_start"] = periodStart.Unix()
	object["current_period_end"] = ledger.AddMonths(periodStart, 1).Unix()
	newDeliverer(test, store).mustApply(webhookFixture{id: "evt_7", kind: EventSubscriptionCreated, created: 1000, object: object})

	wallet := mustWalletFor(test, store, userID)
	if wallet.Period() != "2024-02" {
		test.Fatalf("expected cycle aligned to February, got %s", wallet.Period())
	}
	counter, err := store.GetAllowanceCounter(ctx, userID, actionType, "2024-02")
	if err != nil {
		test.Fatalf("usage: %v", err)
	}
	if counter.FreeUsed != 0 {
		test.Fatalf("expected fresh allowance for the realigned cycle, got %+v", counter)
	}
}

func TestStaleDowngradeIsIgnored(test *testing.T) {
	store := openStore(test)
	logger := &recordingLogger{}
	d := newDeliverer(test, store, WithReconcilerLogger(logger))
	userID := mustUserID(test, "user-1")

	d.mustApply(webhookFixture{id: "evt_basic", kind: EventSubscriptionCreated, created: 100, object: subscriptionObject("cus_1", "user-1", StatusActive, "price_basic")})
	d.mustApply(webhookFixture{id: "evt_pro", kind: EventSubscriptionUpdated, created: 300, object: subscriptionObject("cus_1", "user-1", StatusActive, "price_pro")})

	delayed := webhookFixture{id: "evt_delayed_basic", kind: EventSubscriptionUpdated, created: 200, object: subscriptionObject("cus_1", "user-1", StatusActive, "price_basic")}
	outcome, err := d.deliver(delayed)
	if outcome != OutcomeStale || !errors.Is(err, ledger.ErrStaleEvent) || !Acknowledged(err) {
		test.Fatalf("expected acknowledged stale event, got %s %v", outcome, err)
	}
	wallet := mustWalletFor(test, store, userID)
	if wallet.Tier != "pro" || wallet.Balance != 500 {
		test.Fatalf("stale event regressed wallet: %+v", wallet)
	}
	subscription, _ := store.GetSubscription(context.Background(), userID)
	if subscription.LastEventVersion != 300 || subscription.Tier != "pro" {
		test.Fatalf("stale event regressed subscription: %+v", subscription)
	}

	outcome, err = d.deliver(delayed)
	if outcome != OutcomeDuplicate || !errors.Is(err, ledger.ErrDuplicateEvent) {
		test.Fatalf("expected stale event to be recorded for dedup, got %s %v", outcome, err)
	}
	if last := logger.entries[len(logger.entries)-1]; last.Status != string(OutcomeDuplicate) || last.Operation != OperationWebhook {
		test.Fatalf("unexpected last log entry: %+v", last)
	}
}

func TestDuplicateTopUpAppliesOnce(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	userID := mustUserID(test, "user-2")
	topUp := webhookFixture{id: "evt_checkout", kind: EventCheckoutCompleted, created: 100, object: map[string]any{
		"id": "cs_1", "customer": "cus_2", "mode": "payment", "amount_total": 1999,
		"metadata": map[string]any{"user_id": "user-2"},
	}}

	d.mustApply(topUp)
	before := mustWalletFor(test, store, userID)
	outcome, err := d.deliver(topUp)
	if outcome != OutcomeDuplicate || !Acknowledged(err) {
		test.Fatalf("expected duplicate, got %s %v", outcome, err)
	}
	after := mustWalletFor(test, store, userID)
	if before.Balance != 199 || after.Balance != before.Balance || after.LastSequence != before.LastSequence {
		test.Fatalf("duplicate changed state: before %+v after %+v", before, after)
	}

	resent := topUp
	resent.id = "evt_checkout_resent"
	d.mustApply(resent)
	if wallet := mustWalletFor(test, store, userID); wallet.Balance != 199 || len(mustEntries(test, store, wallet)) != 1 {
		test.Fatalf("same checkout session under a new event id charged twice: %+v", wallet)
	}
	purchase := mustEntries(test, store, after)[0]
	if purchase.Type != ledger.EntryPurchase || purchase.IdempotencyKey.String() != "purchase:cs_1" || after.CyclePurchased != 199 {
		test.Fatalf("unexpected purchase entry: %+v", purchase)
	}
}

func TestTopUpPrefersMetadataCredits(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	d.mustApply(webhookFixture{id: "evt_1", kind: EventCheckoutCompleted, created: 1, object: map[string]any{
		"id": "cs_9", "mode": "payment", "amount_total": 500,
		"metadata": map[string]any{"user_id": "user-9", "credits": "250"},
	}})
	if wallet := mustWalletFor(test, store, mustUserID(test, "user-9")); wallet.Balance != 250 {
		test.Fatalf("expected metadata credits, got %d", wallet.Balance)
	}
}

func TestSubscriptionCheckoutIsIgnored(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	outcome, err := d.deliver(webhookFixture{id: "evt_sub_checkout", kind: EventCheckoutCompleted, created: 1, object: map[string]any{"id": "cs_2", "mode": "subscription"}})
	if outcome != OutcomeIgnored || err != nil {
		test.Fatalf("expected ignored, got %s %v", outcome, err)
	}
	outcome, err = d.deliver(webhookFixture{id: "evt_other", kind: "customer.created", created: 1, object: map[string]any{"id": "cus_1"}})
	if outcome != OutcomeIgnored || err != nil {
		test.Fatalf("expected ignored, got %s %v", outcome, err)
	}
}

func TestRefundClampsAtBalance(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	userID := mustUserID(test, "user-3")
	d.mustApply(webhookFixture{id: "evt_buy", kind: EventCheckoutCompleted, created: 1, object: map[string]any{
		"id": "cs_3", "customer": "cus_3", "mode": "payment", "amount_total": 1000,
		"metadata": map[string]any{"user_id": "user-3"},
	}})
	d.mustApply(webhookFixture{id: "evt_refund_1", kind: EventChargeRefunded, created: 2, object: map[string]any{
		"id": "ch_3", "customer": "cus_3", "amount_refunded": 500, "metadata": map[string]any{"user_id": "user-3"},
	}})
	if wallet := mustWalletFor(test, store, userID); wallet.Balance != 50 {
		test.Fatalf("expected half refund to leave 50, got %d", wallet.Balance)
	}
	d.mustApply(webhookFixture{id: "evt_refund_2", kind: EventChargeRefunded, created: 3, object: map[string]any{
		"id": "ch_3", "customer": "cus_3", "amount_refunded": 2000, "metadata": map[string]any{"user_id": "user-3"},
	}, extra: map[string]any{"previous_attributes": map[string]any{"amount_refunded": 500}}})
	wallet := mustWalletFor(test, store, userID)
	if wallet.Balance != 0 {
		test.Fatalf("expected refund clamped to zero balance, got %d", wallet.Balance)
	}
	assertLedgerMatchesBalance(test, store, wallet)
}

func TestUnknownCustomerIsRetryable(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)
	failed := webhookFixture{id: "evt_failed", kind: EventInvoicePaymentFailed, created: 50, object: map[string]any{"id": "in_1", "customer": "cus_late"}}

	outcome, err := d.deliver(failed)
	if outcome != OutcomeFailed || !errors.Is(err, ErrUnknownCustomer) || Acknowledged(err) {
		test.Fatalf("expected unknown customer failure, got %s %v", outcome, err)
	}

	d.mustApply(webhookFixture{id: "evt_created", kind: EventSubscriptionCreated, created: 10, object: subscriptionObject("cus_late", "user-late", StatusActive, "price_basic")})
	d.mustApply(failed)
	wallet := mustWalletFor(test, store, mustUserID(test, "user-late"))
	if wallet.SubscriptionActive || wallet.Balance != 0 {
		test.Fatalf("expected redelivered failure to apply: %+v", wallet)
	}
}

func TestRejectedEventsLeaveNoTrace(test *testing.T) {
	store := openStore(test)
	d := newDeliverer(test, store)

	payload := encodeEvent(test, webhookFixture{id: "evt_1", kind: EventCheckoutCompleted, created: 1, object: map[string]any{"id": "cs_1", "mode": "payment", "metadata": map[string]any{"user_id": "user-4"}}})
	outcome, err := d.reconciler.Handle(context.Background(), payload, "t=1,v1=00")
	if outcome != OutcomeRejected || !errors.Is(err, ledger.ErrInvalidSignature) {
		test.Fatalf("expected signature rejection, got %s %v", outcome, err)
	}

	outcome, err = d.deliver(webhookFixture{id: "evt_zero", kind: EventCheckoutCompleted, created: 1, object: map[string]any{
		"id": "cs_4", "mode": "payment", "amount_total": 0, "metadata": map[string]any{"user_id": "user-4"},
	}})
	if outcome != OutcomeRejected || !errors.Is(err, ledger.ErrMalformedEvent) {
		test.Fatalf("expected malformed top-up, got %s %v", outcome, err)
	}
	if _, err := store.FindWalletByUserID(context.Background(), mustUserID(test, "user-4")); !errors.Is(err, ledger.ErrWalletNotFound) {
		test.Fatalf("rejected event must roll back wallet creation, got %v", err)
	}

	d.mustApply(webhookFixture{id: "evt_zero", kind: EventCheckoutCompleted, created: 1, object: map[string]any{
		"id": "cs_4", "mode": "payment", "amount_total": 300, "metadata": map[string]any{"user_id": "user-4"},
	}})
}

func TestNewReconcilerValidatesDependencies(test *testing.T) {
	store := openStore(test)
	appender := mustAppenderAt(test, store, fixedClock)
	if _, err := NewReconciler(nil, AcceptAll{}, mustCatalog(test)); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil appender, got %v", err)
	}
	if _, err := NewReconciler(appender, nil, mustCatalog(test)); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil verifier, got %v", err)
	}
	if _, err := NewReconciler(appender, AcceptAll{}, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil catalog, got %v", err)
	}
}
