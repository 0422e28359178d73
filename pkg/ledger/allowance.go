package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Breakdown splits a requested quantity into free-allowance and paid units.
type Breakdown struct {
	ActionType      ActionType
	Period          string
	Quantity        int64
	CostPerAction   Credits
	FreeAllowance   int64
	FreeUsed        int64
	FreeRemaining   int64
	FreeApplied     int64
	PaidUnits       int64
	CreditsRequired Credits
}

// ComputeBreakdown applies the free allowance before charging cost per paid unit.
// A quantity outside [1, MaxActionQuantity] or a price that does not fit in
// Credits yields ErrInvalidQuantity.
func ComputeBreakdown(rule PricingRule, freeUsed int64, quantity int64) (Breakdown, error) {
	if err := validateQuantity(quantity); err != nil {
		return Breakdown{}, err
	}
	freeRemaining := rule.FreeAllowancePerMonth - freeUsed
	if freeRemaining < 0 {
		freeRemaining = 0
	}
	freeApplied := min(quantity, freeRemaining)
	paidUnits := quantity - freeApplied
	if rule.CostPerAction > 0 && paidUnits > math.MaxInt64/int64(rule.CostPerAction) {
		return Breakdown{}, fmt.Errorf("%w: %d x %d credits overflows", ErrInvalidQuantity, paidUnits, rule.CostPerAction)
	}
	return Breakdown{
		ActionType:      rule.ActionType,
		Quantity:        quantity,
		CostPerAction:   rule.CostPerAction,
		FreeAllowance:   rule.FreeAllowancePerMonth,
		FreeUsed:        freeUsed,
		FreeRemaining:   freeRemaining,
		FreeApplied:     freeApplied,
		PaidUnits:       paidUnits,
		CreditsRequired: Credits(paidUnits) * rule.CostPerAction,
	}, nil
}

func validateQuantity(quantity int64) error {
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidQuantity)
	}
	if quantity > MaxActionQuantity {
		return fmt.Errorf("%w: quantity must be at most %d", ErrInvalidQuantity, MaxActionQuantity)
	}
	return nil
}

// AllowanceTracker reads and increments the per-user, per-action, per-period usage counters.
type AllowanceTracker struct {
	store   Store
	pricing *PricingService
	nowFn   func() time.Time
	logger  OperationLogger
}

// NewAllowanceTracker wires an AllowanceTracker.
func NewAllowanceTracker(store Store, pricing *PricingService, now func() time.Time, logger OperationLogger) (*AllowanceTracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &AllowanceTracker{store: store, pricing: pricing, nowFn: now, logger: logger}, nil
}

// ComputeRequiredCredits returns how much of quantity the user's remaining
// free allowance covers and how many credits the rest costs.
func (tracker *AllowanceTracker) ComputeRequiredCredits(ctx context.Context, userID UserID, actionType ActionType, quantity int64) (Breakdown, error) {
	if err := validateQuantity(quantity); err != nil {
		return Breakdown{}, err
	}
	rule, err := tracker.pricing.Resolve(ctx, actionType)
	if err != nil {
		return Breakdown{}, err
	}
	period, err := tracker.currentPeriod(ctx, tracker.store, userID)
	if err != nil {
		return Breakdown{}, err
	}
	return breakdownFor(ctx, tracker.store, rule, userID, period, quantity)
}

// RecordUsage atomically adds the deltas to the user's counter for the current period.
func (tracker *AllowanceTracker) RecordUsage(ctx context.Context, userID UserID, actionType ActionType, freeDelta int64, paidDelta int64, creditsDelta Credits) error {
	period, err := tracker.currentPeriod(ctx, tracker.store, userID)
	if err == nil {
		err = tracker.store.IncrementAllowanceCounter(ctx, UsageDelta{
			UserID:       userID,
			ActionType:   actionType,
			Period:       period,
			FreeDelta:    freeDelta,
			PaidDelta:    paidDelta,
			CreditsDelta: creditsDelta,
			UpdatedAt:    tracker.nowFn().UTC(),
		})
	}
	logOperation(ctx, tracker.logger, OperationLog{Operation: OperationRecordUsage, UserID: userID, ActionType: actionType, Amount: creditsDelta, Error: err})
	return err
}

// Usage returns the user's counter for actionType in the current period.
func (tracker *AllowanceTracker) Usage(ctx context.Context, userID UserID, actionType ActionType) (AllowanceCounter, error) {
	period, err := tracker.currentPeriod(ctx, tracker.store, userID)
	if err != nil {
		return AllowanceCounter{}, err
	}
	return tracker.store.GetAllowanceCounter(ctx, userID, actionType, period)
}

// currentPeriod follows the wallet's billing cycle; users without a wallet
// fall back to the calendar month of now.
func (tracker *AllowanceTracker) currentPeriod(ctx context.Context, store Store, userID UserID) (string, error) {
	wallet, err := store.FindWalletByUserID(ctx, userID)
	if err == nil {
		return wallet.Period(), nil
	}
	if errors.Is(err, ErrWalletNotFound) {
		return PeriodOf(tracker.nowFn()), nil
	}
	return "", err
}

func breakdownFor(ctx context.Context, store Store, rule PricingRule, userID UserID, period string, quantity int64) (Breakdown, error) {
	counter, err := store.GetAllowanceCounter(ctx, userID, rule.ActionType, period)
	if err != nil {
		return Breakdown{}, err
	}
	breakdown, err := ComputeBreakdown(rule, counter.FreeUsed, quantity)
	if err != nil {
		return Breakdown{}, err
	}
	breakdown.Period = period
	return breakdown, nil
}
