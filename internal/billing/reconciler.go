package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
)

// Outcome is the recorded result of one webhook event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"

	defaultProvider = "stripe"

	// OperationWebhook names reconciler entries in OperationLog.
	OperationWebhook = "webhook"

	idempotencyPrefixPurchase = "purchase:"
	idempotencyPrefixRefund   = "refund:"
	idempotencyPrefixTier     = "tier:"
	referenceTypeEvent        = "webhook_event"
	referenceTypeCheckout     = "checkout_session"
	referenceTypeCharge       = "charge"
)

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithProvider names the payment provider used for dedup and customer lookups.
func WithProvider(provider string) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if provider != "" {
			reconciler.provider = provider
		}
	}
}

// WithReconcilerLogger wires an operation logger receiving one entry per event.
func WithReconcilerLogger(logger ledger.OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// Reconciler applies payment-provider webhook events to wallets. Each event
// is applied in one transaction together with its dedup record.
type Reconciler struct {
	appender *ledger.Appender
	verifier SignatureVerifier
	catalog  *TierCatalog
	provider string
	logger   ledger.OperationLogger
}

// NewReconciler wires a Reconciler.
func NewReconciler(appender *ledger.Appender, verifier SignatureVerifier, catalog *TierCatalog, options ...ReconcilerOption) (*Reconciler, error) {
	if appender == nil {
		return nil, fmt.Errorf("%w: appender dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: signature verifier is nil", ledger.ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: tier catalog is nil", ledger.ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{
		appender: appender,
		verifier: verifier,
		catalog:  catalog,
		provider: defaultProvider,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Handle verifies, parses and applies one raw webhook payload.
//
// Duplicate and stale events return errors wrapping ledger.ErrDuplicateEvent
// and ledger.ErrStaleEvent; callers acknowledge them (see Acknowledged).
func (reconciler *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if err := reconciler.verifier.Verify(payload, signature); err != nil {
		reconciler.log(ctx, Event{}, ledger.UserID{}, 0, OutcomeRejected, err)
		return OutcomeRejected, err
	}
	event, err := ParseEvent(payload)
	if err != nil {
		reconciler.log(ctx, Event{}, ledger.UserID{}, 0, OutcomeRejected, err)
		return OutcomeRejected, err
	}
	return reconciler.Apply(ctx, event)
}

// Apply runs an already verified event.
func (reconciler *Reconciler) Apply(ctx context.Context, event Event) (Outcome, error) {
	var (
		outcome Outcome
		result  applyResult
	)
	err := reconciler.appender.RunTx(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		var applyErr error
		result, applyErr = reconciler.apply(ctx, tx, event)
		if applyErr != nil {
			return applyErr
		}
		outcome = result.outcome
		return tx.InsertWebhookEvent(ctx, ledger.WebhookEventRecord{
			Provider:   reconciler.provider,
			EventID:    event.ID,
			EventType:  event.Type,
			Version:    event.Version,
			Outcome:    string(outcome),
			ReceivedAt: tx.Now(),
		})
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		reconciler.log(ctx, event, result.userID, 0, OutcomeDuplicate, nil)
		return OutcomeDuplicate, err
	case err != nil:
		outcomeOnError := OutcomeFailed
		if errors.Is(err, ledger.ErrMalformedEvent) {
			outcomeOnError = OutcomeRejected
		}
		reconciler.log(ctx, event, result.userID, result.amount, outcomeOnError, err)
		return outcomeOnError, err
	}
	reconciler.log(ctx, event, result.userID, result.amount, outcome, nil)
	if outcome == OutcomeStale {
		return outcome, ledger.WrapError(errorOperationWebhook, errorSubjectEvent, errorCodeStale, ledger.ErrStaleEvent)
	}
	return outcome, nil
}

type applyResult struct {
	outcome Outcome
	userID  ledger.UserID
	amount  ledger.Credits
}

func (reconciler *Reconciler) apply(ctx context.Context, tx *ledger.Tx, event Event) (applyResult, error) {
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		return reconciler.applySubscriptionEvent(ctx, tx, event)
	case EventCheckoutCompleted:
		if event.Object.Mode != checkoutModePayment {
			return applyResult{outcome: OutcomeIgnored}, nil
		}
		return reconciler.applyTopUp(ctx, tx, event)
	case EventChargeRefunded:
		return reconciler.applyRefund(ctx, tx, event)
	default:
		return applyResult{outcome: OutcomeIgnored}, nil
	}
}

// resolveUser prefers metadata.user_id and falls back to the stored
// subscription of the event's customer.
func (reconciler *Reconciler) resolveUser(ctx context.Context, tx *ledger.Tx, event Event) (ledger.UserID, error) {
	if userID, ok := event.Object.UserID(); ok {
		return userID, nil
	}
	if event.Object.Customer != "" {
		subscription, err := tx.FindSubscriptionByCustomerID(ctx, reconciler.provider, event.Object.Customer)
		if err == nil {
			return subscription.UserID, nil
		}
		if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return ledger.UserID{}, err
		}
	}
	return ledger.UserID{}, ledger.WrapError(errorOperationWebhook, errorSubjectCustomer, errorCodeUnknown, fmt.Errorf("%w: %q", ErrUnknownCustomer, event.Object.Customer))
}

func (reconciler *Reconciler) lockUserWallet(ctx context.Context, tx *ledger.Tx, userID ledger.UserID) (ledger.Wallet, error) {
	wallet, err := tx.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return tx.LockWallet(ctx, wallet.ID)
}

func (reconciler *Reconciler) applySubscriptionEvent(ctx context.Context, tx *ledger.Tx, event Event) (applyResult, error) {
	userID, err := reconciler.resolveUser(ctx, tx, event)
	if err != nil {
		return applyResult{}, err
	}
	result := applyResult{userID: userID}
	wallet, err := reconciler.lockUserWallet(ctx, tx, userID)
	if err != nil {
		return result, err
	}
	subscription, err := tx.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, ledger.ErrSubscriptionNotFound):
		subscription = ledger.Subscription{UserID: userID, Provider: reconciler.provider, Tier: ledger.DefaultTier, CreatedAt: tx.Now()}
	case err != nil:
		return result, err
	}
	if event.Version < subscription.LastEventVersion {
		result.outcome = OutcomeStale
		return result, nil
	}

	next := reconciler.nextSubscription(subscription, event)
	next.LastEventID = event.ID
	next.LastEventVersion = event.Version
	next.UpdatedAt = tx.Now()
	if err := tx.SaveSubscription(ctx, next); err != nil {
		return result, err
	}

	previousTier := wallet.EffectiveTier()
	updated := wallet
	updated.Tier = next.Tier
	updated.SubscriptionActive = subscriptionActive(next.Status)
	updated.UpdatedAt = tx.Now()
	applyBillingWindow(&updated, next, tx.Now())
	if err := tx.SaveWalletState(ctx, updated); err != nil {
		return result, err
	}
	if updated.Period() != wallet.Period() {
		if err := tx.ResetAllowanceCounters(ctx, userID, updated.Period()); err != nil {
			return result, err
		}
	}

	delta := reconciler.catalog.Allowance(updated.EffectiveTier()) - reconciler.catalog.Allowance(previousTier)
	if delta < 0 && -delta > updated.Balance {
		delta = -updated.Balance
	}
	if delta != 0 {
		key, err := ledger.NewIdempotencyKey(idempotencyPrefixTier + event.ID)
		if err != nil {
			return result, err
		}
		_, _, err = tx.Append(ctx, updated, ledger.AppendRequest{
			Type:           ledger.EntryReset,
			Amount:         delta,
			Reference:      ledger.Reference{Type: referenceTypeEvent, ID: event.ID},
			IdempotencyKey: key,
			Description:    fmt.Sprintf("tier change %s -> %s", previousTier, updated.EffectiveTier()),
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return result, err
		}
		result.amount = delta
	}
	result.outcome = OutcomeApplied
	return result, nil
}

// nextSubscription folds an event into the stored subscription.
func (reconciler *Reconciler) nextSubscription(current ledger.Subscription, event Event) ledger.Subscription {
	next := current
	object := event.Object
	next.Provider = reconciler.provider
	if object.Customer != "" {
		next.CustomerID = object.Customer
	}
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		next.SubscriptionID = object.ID
		next.Status = object.Status
		if object.PriceID != "" {
			next.PriceID = object.PriceID
		}
	case EventSubscriptionDeleted:
		next.SubscriptionID = object.ID
		next.Status = StatusCanceled
	case EventInvoicePaymentSucceeded:
		if object.Subscription != "" {
			next.SubscriptionID = object.Subscription
		}
		next.Status = StatusActive
	case EventInvoicePaymentFailed:
		if object.Subscription != "" {
			next.SubscriptionID = object.Subscription
		}
		next.Status = StatusPastDue
	}
	next.Tier = ledger.DefaultTier
	if tierRetained(next.Status) {
		if tier, ok := reconciler.catalog.TierForPrice(next.PriceID); ok {
			next.Tier = tier
		}
	}
	if !object.CurrentPeriodStart.IsZero() {
		next.CurrentPeriodStart = object.CurrentPeriodStart
	}
	if !object.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = object.CurrentPeriodEnd
	}
	return next
}

func subscriptionActive(status string) bool {
	return status == StatusActive || status == StatusTrialing
}

func tierRetained(status string) bool {
	return subscriptionActive(status) || status == StatusPastDue
}

// applyBillingWindow aligns the wallet cycle with the provider period unless
// a reset is already due; the scheduler owns overdue cycles. Callers zero the
// allowance counters when the realigned cycle starts in another month.
func applyBillingWindow(wallet *ledger.Wallet, subscription ledger.Subscription, now time.Time) {
	if subscription.CurrentPeriodStart.IsZero() || subscription.CurrentPeriodEnd.IsZero() {
		return
	}
	if wallet.IsDue(now) {
		return
	}
	end := ledger.DateOf(subscription.CurrentPeriodEnd)
	if !end.After(now) {
		return
	}
	wallet.BillingCycleStart = ledger.DateOf(subscription.CurrentPeriodStart)
	wallet.BillingCycleEnd = end
	wallet.NextResetDate = end
}

func (reconciler *Reconciler) applyTopUp(ctx context.Context, tx *ledger.Tx, event Event) (applyResult, error) {
	userID, err := reconciler.resolveUser(ctx, tx, event)
	if err != nil {
		return applyResult{}, err
	}
	result := applyResult{userID: userID}
	credits, ok := event.Object.MetadataCredits()
	if !ok {
		credits = reconciler.catalog.CreditsForAmount(event.Object.AmountTotal)
	}
	if credits <= 0 {
		return result, malformed("%s: top-up converts to zero credits", event.Type)
	}
	wallet, err := reconciler.lockUserWallet(ctx, tx, userID)
	if err != nil {
		return result, err
	}
	key, err := ledger.NewIdempotencyKey(idempotencyPrefixPurchase + event.Object.ID)
	if err != nil {
		return result, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{
		"event_id":     event.ID,
		"amount_total": event.Object.AmountTotal,
	})
	if err != nil {
		return result, err
	}
	_, _, err = tx.Append(ctx, wallet, ledger.AppendRequest{
		Type:           ledger.EntryPurchase,
		Amount:         credits,
		Reference:      ledger.Reference{Type: referenceTypeCheckout, ID: event.Object.ID},
		IdempotencyKey: key,
		Description:    "credit top-up",
		Metadata:       metadata,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return result, err
	}
	result.amount = credits
	result.outcome = OutcomeApplied
	return result, nil
}

func (reconciler *Reconciler) applyRefund(ctx context.Context, tx *ledger.Tx, event Event) (applyResult, error) {
	userID, err := reconciler.resolveUser(ctx, tx, event)
	if err != nil {
		return applyResult{}, err
	}
	result := applyResult{userID: userID, outcome: OutcomeApplied}
	credits := reconciler.catalog.CreditsForAmount(event.Object.AmountRefunded - event.PreviousAmountRefunded)
	wallet, err := reconciler.lockUserWallet(ctx, tx, userID)
	if err != nil {
		return result, err
	}
	if credits > wallet.Balance {
		credits = wallet.Balance
	}
	if credits <= 0 {
		return result, nil
	}
	key, err := ledger.NewIdempotencyKey(fmt.Sprintf("%s%s:%d", idempotencyPrefixRefund, event.Object.ID, event.Object.AmountRefunded))
	if err != nil {
		return result, err
	}
	_, _, err = tx.Append(ctx, wallet, ledger.AppendRequest{
		Type:           ledger.EntryRefund,
		Amount:         credits.Negated(),
		Reference:      ledger.Reference{Type: referenceTypeCharge, ID: event.Object.ID},
		IdempotencyKey: key,
		Description:    "refund",
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return result, err
	}
	result.amount = credits.Negated()
	return result, nil
}

func (reconciler *Reconciler) log(ctx context.Context, event Event, userID ledger.UserID, amount ledger.Credits, outcome Outcome, err error) {
	if reconciler.logger == nil {
		return
	}
	reconciler.logger.LogOperation(ctx, ledger.OperationLog{
		Operation: OperationWebhook,
		UserID:    userID,
		Amount:    amount,
		Reference: ledger.Reference{Type: event.Type, ID: event.ID},
		Subject:   event.Type,
		Status:    string(outcome),
		Error:     err,
	})
}
