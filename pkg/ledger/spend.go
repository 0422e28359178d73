package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decision reasons returned by CheckAndReserve.
const (
	ReasonAdminBypass         = "admin_bypass"
	ReasonFreeAllowance       = "free_allowance"
	ReasonCreditsAvailable    = "credits_available"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonWalletLocked        = "wallet_locked"
	ReasonNoWallet            = "no_wallet"
)

// Decision is the outcome of a pre-action check.
type Decision struct {
	Allowed         bool
	Reason          string
	UserID          UserID
	ActionType      ActionType
	Quantity        int64
	CreditsRequired Credits
	FreeApplied     int64
	PaidUnits       int64
	Balance         Credits
}

// AdminResolver decides which users bypass charging entirely.
type AdminResolver interface {
	IsAdmin(ctx context.Context, userID UserID) bool
}

// AdminSet is an AdminResolver backed by a fixed set of user ids.
type AdminSet map[string]struct{}

// NewAdminSet builds an AdminSet from raw user ids, skipping blanks.
func NewAdminSet(userIDs ...string) AdminSet {
	set := make(AdminSet, len(userIDs))
	for _, raw := range userIDs {
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// IsAdmin reports whether userID is in the set.
func (set AdminSet) IsAdmin(_ context.Context, userID UserID) bool {
	_, ok := set[userID.String()]
	return ok
}

type noAdmins struct{}

func (noAdmins) IsAdmin(context.Context, UserID) bool { return false }

// SpendOption configures a SpendCoordinator.
type SpendOption func(*SpendCoordinator)

// WithAdminResolver wires admin bypass detection.
func WithAdminResolver(resolver AdminResolver) SpendOption {
	return func(coordinator *SpendCoordinator) {
		if resolver != nil {
			coordinator.admins = resolver
		}
	}
}

// WithSpendLogger wires an operation logger for checks and commits.
func WithSpendLogger(logger OperationLogger) SpendOption {
	return func(coordinator *SpendCoordinator) {
		coordinator.logger = logger
	}
}

// SpendCoordinator gates actions: CheckAndReserve before the protected
// operation, Commit after it succeeded.
type SpendCoordinator struct {
	store    Store
	appender *Appender
	pricing  *PricingService
	nowFn    func() time.Time
	admins   AdminResolver
	logger   OperationLogger
}

// NewSpendCoordinator wires a SpendCoordinator.
func NewSpendCoordinator(store Store, appender *Appender, pricing *PricingService, now func() time.Time, options ...SpendOption) (*SpendCoordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if appender == nil {
		return nil, fmt.Errorf("%w: appender dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	coordinator := &SpendCoordinator{
		store:    store,
		appender: appender,
		pricing:  pricing,
		nowFn:    now,
		admins:   noAdmins{},
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// CheckAndReserve decides whether userID may perform quantity actions of
// actionType. It never writes; wallets are not created by a check.
func (coordinator *SpendCoordinator) CheckAndReserve(ctx context.Context, userID UserID, actionType ActionType, quantity int64) (Decision, error) {
	decision, err := coordinator.check(ctx, userID, actionType, quantity)
	logOperation(ctx, coordinator.logger, OperationLog{
		Operation:  OperationCheck,
		UserID:     userID,
		ActionType: actionType,
		Amount:     decision.CreditsRequired,
		Subject:    decision.Reason,
		Error:      err,
	})
	return decision, err
}

func (coordinator *SpendCoordinator) check(ctx context.Context, userID UserID, actionType ActionType, quantity int64) (Decision, error) {
	if userID.IsZero() {
		return Decision{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if err := validateQuantity(quantity); err != nil {
		return Decision{}, err
	}
	decision := Decision{UserID: userID, ActionType: actionType, Quantity: quantity}
	if coordinator.admins.IsAdmin(ctx, userID) {
		decision.Allowed = true
		decision.Reason = ReasonAdminBypass
		return decision, nil
	}
	rule, err := coordinator.pricing.Resolve(ctx, actionType)
	if err != nil {
		return Decision{}, err
	}

	wallet, err := coordinator.store.FindWalletByUserID(ctx, userID)
	walletMissing := errors.Is(err, ErrWalletNotFound)
	if err != nil && !walletMissing {
		return Decision{}, err
	}
	period := PeriodOf(coordinator.nowFn())
	if !walletMissing {
		period = wallet.Period()
		decision.Balance = wallet.Balance
	}
	breakdown, err := breakdownFor(ctx, coordinator.store, rule, userID, period, quantity)
	if err != nil {
		return Decision{}, err
	}
	decision.CreditsRequired = breakdown.CreditsRequired
	decision.FreeApplied = breakdown.FreeApplied
	decision.PaidUnits = breakdown.PaidUnits

	switch {
	case breakdown.CreditsRequired == 0:
		decision.Allowed = true
		decision.Reason = ReasonFreeAllowance
	case walletMissing:
		decision.Reason = ReasonNoWallet
	case wallet.Locked:
		decision.Reason = ReasonWalletLocked
	case wallet.Balance >= breakdown.CreditsRequired:
		decision.Allowed = true
		decision.Reason = ReasonCreditsAvailable
	default:
		decision.Reason = ReasonInsufficientCredits
	}
	return decision, nil
}

// Commit charges for an action that already succeeded. In one transaction it
// locks the wallet, recomputes the breakdown against current counters, appends
// the spend and records usage. Retrying with the same non-empty reference
// returns the original spend entry and records nothing. A referenced commit
// covered by the free allowance returns a zero-amount spend entry; without a
// reference such a commit returns the zero Entry.
func (coordinator *SpendCoordinator) Commit(ctx context.Context, userID UserID, actionType ActionType, quantity int64, decision Decision, reference Reference) (Entry, error) {
	entry, err := coordinator.commit(ctx, userID, actionType, quantity, decision, reference)
	logOperation(ctx, coordinator.logger, OperationLog{
		Operation:  OperationCommit,
		UserID:     userID,
		ActionType: actionType,
		Amount:     entry.Amount,
		Reference:  reference,
		Subject:    decision.Reason,
		Error:      err,
	})
	return entry, err
}

func (coordinator *SpendCoordinator) commit(ctx context.Context, userID UserID, actionType ActionType, quantity int64, decision Decision, reference Reference) (Entry, error) {
	if userID.IsZero() {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if err := validateQuantity(quantity); err != nil {
		return Entry{}, err
	}
	if decision.Reason == ReasonAdminBypass && coordinator.admins.IsAdmin(ctx, userID) {
		return Entry{}, nil
	}
	rule, err := coordinator.pricing.Resolve(ctx, actionType)
	if err != nil {
		return Entry{}, err
	}

	key := spendIdempotencyKey(actionType, reference)
	var entry Entry
	err = coordinator.appender.RunTx(ctx, func(ctx context.Context, tx *Tx) error {
		wallet, err := tx.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return err
		}
		wallet, err = tx.LockWallet(ctx, wallet.ID)
		if err != nil {
			return err
		}
		if !key.IsZero() {
			existing, err := tx.FindEntryByIdempotencyKey(ctx, wallet.ID, key)
			if err == nil {
				entry = existing
				return nil
			}
			if !errors.Is(err, ErrEntryNotFound) {
				return err
			}
		}
		breakdown, err := breakdownFor(ctx, tx, rule, userID, wallet.Period(), quantity)
		if err != nil {
			return err
		}
		// A referenced commit always leaves an entry, zero for free usage, so
		// its key is stored and a retry cannot be charged again.
		if breakdown.CreditsRequired > 0 || !key.IsZero() {
			metadata, err := MetadataFromMap(map[string]any{
				"quantity":     breakdown.Quantity,
				"free_applied": breakdown.FreeApplied,
				"paid_units":   breakdown.PaidUnits,
				"period":       breakdown.Period,
			})
			if err != nil {
				return err
			}
			_, entry, err = tx.Append(ctx, wallet, AppendRequest{
				Type:           EntrySpend,
				Amount:         breakdown.CreditsRequired.Negated(),
				ActionType:     actionType,
				Reference:      reference,
				IdempotencyKey: key,
				Description:    fmt.Sprintf("%d x %s", quantity, actionType),
				Metadata:       metadata,
			})
			if err != nil {
				return err
			}
		}
		return tx.IncrementAllowanceCounter(ctx, UsageDelta{
			UserID:       userID,
			ActionType:   actionType,
			Period:       breakdown.Period,
			FreeDelta:    breakdown.FreeApplied,
			PaidDelta:    breakdown.PaidUnits,
			CreditsDelta: breakdown.CreditsRequired,
			UpdatedAt:    tx.Now(),
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// spendIdempotencyKey derives "spend:<action>:<reference type>:<reference id>";
// commits without a reference are not deduplicated.
func spendIdempotencyKey(actionType ActionType, reference Reference) IdempotencyKey {
	if reference.IsZero() {
		return IdempotencyKey{}
	}
	return IdempotencyKey{value: strings.Join([]string{idempotencyPrefixSpend, actionType.String(), reference.Type, reference.ID}, idempotencyKeyDelimiter)}
}
