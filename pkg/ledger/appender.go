package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppendRequest describes one balance mutation.
type AppendRequest struct {
	Type           EntryType
	Amount         Credits
	ActionType     ActionType
	Reference      Reference
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
}

func (request AppendRequest) validate() error {
	if _, err := ParseEntryType(request.Type.String()); err != nil {
		return err
	}
	if request.Amount == 0 && !request.allowsZero() {
		return fmt.Errorf("%w: zero amount for %s entry", ErrInvalidAmount, request.Type)
	}
	switch request.Type {
	case EntrySpend:
		if request.Amount > 0 {
			return fmt.Errorf("%w: spend must be negative", ErrInvalidAmount)
		}
	case EntryEarn, EntryPurchase:
		if request.Amount < 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, request.Type)
		}
	}
	return nil
}

// allowsZero admits reset entries and keyed spend entries that record free usage.
func (request AppendRequest) allowsZero() bool {
	switch request.Type {
	case EntryReset:
		return true
	case EntrySpend:
		return !request.IdempotencyKey.IsZero()
	}
	return false
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithLockTimeout bounds how long one wallet transaction may wait and run.
func WithLockTimeout(timeout time.Duration) AppenderOption {
	return func(appender *Appender) {
		if timeout > 0 {
			appender.lockTimeout = timeout
		}
	}
}

// WithBalanceCache wires the cache invalidated after every committed mutation.
func WithBalanceCache(cache BalanceCache) AppenderOption {
	return func(appender *Appender) {
		if cache != nil {
			appender.balances = cache
		}
	}
}

// WithAppenderLogger wires an operation logger for append calls.
func WithAppenderLogger(logger OperationLogger) AppenderOption {
	return func(appender *Appender) {
		appender.logger = logger
	}
}

// Appender is the only path that mutates wallet balances. Every mutation
// locks the wallet row, validates the new balance, writes it and appends one
// immutable entry in the same transaction.
type Appender struct {
	store       Store
	nowFn       func() time.Time
	lockTimeout time.Duration
	balances    BalanceCache
	logger      OperationLogger
}

// NewAppender wires an Appender.
func NewAppender(store Store, now func() time.Time, options ...AppenderOption) (*Appender, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	appender := &Appender{
		store:       store,
		nowFn:       now,
		lockTimeout: defaultLockTimeout,
		balances:    noopBalanceCache{},
	}
	for _, option := range options {
		if option != nil {
			option(appender)
		}
	}
	return appender, nil
}

// Tx is the transaction scope handed to RunTx callbacks. Balance changes made
// through Tx.Append are tracked so cached balances are invalidated after commit.
type Tx struct {
	Store
	appender *Appender
	touched  []UserID
}

// Append applies request to a wallet already locked in this transaction and
// returns the updated wallet together with the written entry.
//
// When the request carries an idempotency key that already exists for the
// wallet, nothing is written and the existing entry is returned along with
// ErrDuplicateIdempotencyKey.
func (tx *Tx) Append(ctx context.Context, wallet Wallet, request AppendRequest) (Wallet, Entry, error) {
	updated, entry, err := tx.appender.appendLocked(ctx, tx.Store, wallet, request)
	if err == nil {
		tx.Touch(wallet.UserID)
	}
	return updated, entry, err
}

// Touch marks a user's cached balance for invalidation after commit.
func (tx *Tx) Touch(userID UserID) {
	tx.touched = append(tx.touched, userID)
}

// GetOrCreateWallet returns the user's wallet inside this transaction, creating it if absent.
// The returned row is not locked; call LockWallet before mutating it.
func (tx *Tx) GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return getOrCreateWallet(ctx, tx.Store, userID, tx.Now())
}

// Now returns the appender clock's current time.
func (tx *Tx) Now() time.Time {
	return tx.appender.nowFn().UTC()
}

// RunTx executes fn in one transaction that is detached from the caller's
// cancellation and bounded by the lock timeout. It either commits entirely or
// rolls back entirely; a timeout surfaces as ErrConcurrencyTimeout.
func (appender *Appender) RunTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	txContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), appender.lockTimeout)
	defer cancel()

	scope := &Tx{appender: appender}
	err := appender.store.WithTx(txContext, func(ctx context.Context, txStore Store) error {
		scope.Store = txStore
		scope.touched = scope.touched[:0]
		return fn(ctx, scope)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrConcurrencyTimeout) {
			return WrapError(errorOperationAppender, errorSubjectTx, errorCodeTimeout, fmt.Errorf("%w: %w", ErrConcurrencyTimeout, err))
		}
		return err
	}
	invalidateContext := context.WithoutCancel(ctx)
	for _, userID := range scope.touched {
		appender.balances.InvalidateBalance(invalidateContext, userID)
	}
	return nil
}

// Append locks walletID and applies request in its own transaction.
func (appender *Appender) Append(ctx context.Context, walletID WalletID, request AppendRequest) (Entry, error) {
	var (
		entry  Entry
		userID UserID
	)
	operationError := appender.RunTx(ctx, func(ctx context.Context, tx *Tx) error {
		wallet, err := tx.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		userID = wallet.UserID
		_, entry, err = tx.Append(ctx, wallet, request)
		return err
	})
	logOperation(ctx, appender.logger, OperationLog{
		Operation:  OperationAppend,
		UserID:     userID,
		ActionType: request.ActionType,
		Amount:     request.Amount,
		Reference:  request.Reference,
		Subject:    request.Type.String(),
		Error:      operationError,
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return entry, operationError
	}
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

func (appender *Appender) appendLocked(ctx context.Context, store Store, wallet Wallet, request AppendRequest) (Wallet, Entry, error) {
	if err := request.validate(); err != nil {
		return wallet, Entry{}, err
	}
	if !request.IdempotencyKey.IsZero() {
		existing, err := store.FindEntryByIdempotencyKey(ctx, wallet.ID, request.IdempotencyKey)
		if err == nil {
			return wallet, existing, WrapError(errorOperationAppender, errorSubjectEntry, errorCodeDuplicate, ErrDuplicateIdempotencyKey)
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return wallet, Entry{}, err
		}
	}
	// Only spending is blocked on a locked wallet. Refunds, resets and admin
	// adjustments still apply, and may lower the balance down to zero.
	if request.Type == EntrySpend && request.Amount < 0 && wallet.Locked {
		return wallet, Entry{}, WrapError(errorOperationAppender, errorSubjectWallet, errorCodeLocked, ErrWalletLocked)
	}
	newBalance := wallet.Balance + request.Amount
	if request.Amount < 0 && newBalance < 0 {
		return wallet, Entry{}, WrapError(errorOperationAppender, errorSubjectWallet, errorCodeInsufficient, ErrInsufficientBalance)
	}

	now := appender.nowFn().UTC()
	updated := wallet
	updated.Balance = newBalance
	updated.LastSequence = wallet.LastSequence + 1
	updated.UpdatedAt = now
	switch {
	case request.Type == EntrySpend:
		updated.CycleSpent += request.Amount.Negated()
	case request.Type == EntryPurchase:
		updated.CyclePurchased += request.Amount
	case request.Amount > 0:
		updated.CycleEarned += request.Amount
	}

	if err := store.SaveWalletBalance(ctx, updated); err != nil {
		return wallet, Entry{}, err
	}
	entry, err := store.InsertEntry(ctx, Entry{
		WalletID:       wallet.ID,
		Sequence:       updated.LastSequence,
		Type:           request.Type,
		Amount:         request.Amount,
		BalanceAfter:   newBalance,
		ActionType:     request.ActionType,
		Reference:      request.Reference,
		IdempotencyKey: request.IdempotencyKey,
		Description:    request.Description,
		Metadata:       request.Metadata,
		CreatedAt:      now,
	})
	if err != nil {
		return wallet, Entry{}, err
	}
	return updated, entry, nil
}
