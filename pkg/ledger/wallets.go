package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WalletServiceOption configures a WalletService.
type WalletServiceOption func(*WalletService)

// WithWalletBalanceCache wires the read-through balance cache.
func WithWalletBalanceCache(cache BalanceCache) WalletServiceOption {
	return func(service *WalletService) {
		if cache != nil {
			service.balances = cache
		}
	}
}

// WithWalletLogger wires an operation logger.
func WithWalletLogger(logger OperationLogger) WalletServiceOption {
	return func(service *WalletService) {
		service.logger = logger
	}
}

// WalletService exposes wallet lookup, cached balances, locking and
// administrative adjustments. Every balance change goes through the Appender.
type WalletService struct {
	store    Store
	appender *Appender
	nowFn    func() time.Time
	balances BalanceCache
	logger   OperationLogger
}

// AuditReport compares a wallet's stored balance with the replayed ledger.
type AuditReport struct {
	WalletID      WalletID
	StoredBalance Credits
	LedgerSum     Credits
	LastSequence  int64
}

// Consistent reports whether the stored balance equals the ledger sum.
func (report AuditReport) Consistent() bool {
	return report.StoredBalance == report.LedgerSum
}

// NewWalletService wires a WalletService.
func NewWalletService(store Store, appender *Appender, now func() time.Time, options ...WalletServiceOption) (*WalletService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if appender == nil {
		return nil, fmt.Errorf("%w: appender dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &WalletService{store: store, appender: appender, nowFn: now, balances: noopBalanceCache{}}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreate returns the user's wallet, creating it with a zero balance and a fresh cycle if absent.
func (service *WalletService) GetOrCreate(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := getOrCreateWallet(ctx, service.store, userID, service.nowFn())
	if err != nil {
		logOperation(ctx, service.logger, OperationLog{Operation: OperationGetOrCreate, UserID: userID, Error: err})
	}
	return wallet, err
}

// Find returns the user's wallet without creating it.
func (service *WalletService) Find(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.FindWalletByUserID(ctx, userID)
}

// GetBalance returns the cached balance snapshot, reading through to the store on a miss.
// A reader that misses just before a commit may store the pre-commit balance
// after the appender invalidated it; such a value lives at most one cache TTL.
// Spend decisions never use it: Commit re-reads the locked wallet row.
func (service *WalletService) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	if balance, ok := service.balances.GetBalance(ctx, userID); ok {
		return balance, nil
	}
	wallet, err := service.store.FindWalletByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	service.balances.SetBalance(ctx, userID, wallet.Balance)
	return wallet.Balance, nil
}

// Lock disables spending from the user's wallet.
func (service *WalletService) Lock(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.setLocked(ctx, userID, true)
	logOperation(ctx, service.logger, OperationLog{Operation: OperationLock, UserID: userID, Error: err})
	return wallet, err
}

// Unlock re-enables spending from the user's wallet.
func (service *WalletService) Unlock(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.setLocked(ctx, userID, false)
	logOperation(ctx, service.logger, OperationLog{Operation: OperationUnlock, UserID: userID, Error: err})
	return wallet, err
}

func (service *WalletService) setLocked(ctx context.Context, userID UserID, locked bool) (Wallet, error) {
	var result Wallet
	err := service.appender.RunTx(ctx, func(ctx context.Context, tx *Tx) error {
		wallet, err := tx.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return err
		}
		wallet, err = tx.LockWallet(ctx, wallet.ID)
		if err != nil {
			return err
		}
		if wallet.Locked == locked {
			result = wallet
			return nil
		}
		wallet.Locked = locked
		wallet.UpdatedAt = tx.Now()
		if err := tx.SaveWalletState(ctx, wallet); err != nil {
			return err
		}
		result = wallet
		return nil
	})
	return result, err
}

// Grant appends a positive earn entry (bonuses, promotions).
func (service *WalletService) Grant(ctx context.Context, userID UserID, amount Credits, reference Reference, idempotencyKey IdempotencyKey, description string) (Entry, error) {
	entry, err := service.appendForUser(ctx, userID, AppendRequest{
		Type:           EntryEarn,
		Amount:         amount,
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
	logOperation(ctx, service.logger, OperationLog{Operation: OperationGrant, UserID: userID, Amount: amount, Reference: reference, Error: err})
	return entry, err
}

// Adjust appends a signed admin_adjust entry. Negative adjustments still cannot
// take the balance below zero.
func (service *WalletService) Adjust(ctx context.Context, userID UserID, amount Credits, reference Reference, idempotencyKey IdempotencyKey, description string) (Entry, error) {
	entry, err := service.appendForUser(ctx, userID, AppendRequest{
		Type:           EntryAdminAdjust,
		Amount:         amount,
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
	logOperation(ctx, service.logger, OperationLog{Operation: OperationAdjust, UserID: userID, Amount: amount, Reference: reference, Error: err})
	return entry, err
}

func (service *WalletService) appendForUser(ctx context.Context, userID UserID, request AppendRequest) (Entry, error) {
	var entry Entry
	err := service.appender.RunTx(ctx, func(ctx context.Context, tx *Tx) error {
		wallet, err := tx.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return err
		}
		wallet, err = tx.LockWallet(ctx, wallet.ID)
		if err != nil {
			return err
		}
		_, entry, err = tx.Append(ctx, wallet, request)
		return err
	})
	if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Entry{}, err
	}
	return entry, err
}

// ListEntries lists ledger entries newest first, strictly before beforeSequence (0 means latest).
func (service *WalletService) ListEntries(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListEntryLimit
	}
	if limit > maxListEntriesLimit {
		return nil, fmt.Errorf("%w: limit must be <= %d", ErrInvalidListLimit, maxListEntriesLimit)
	}
	wallet, err := service.store.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, wallet.ID, beforeSequence, limit)
}

// Audit replays the wallet's ledger and compares it with the stored balance.
func (service *WalletService) Audit(ctx context.Context, userID UserID) (AuditReport, error) {
	wallet, err := service.store.FindWalletByUserID(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	sum, err := service.store.SumEntries(ctx, wallet.ID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		WalletID:      wallet.ID,
		StoredBalance: wallet.Balance,
		LedgerSum:     sum,
		LastSequence:  wallet.LastSequence,
	}, nil
}

func getOrCreateWallet(ctx context.Context, store Store, userID UserID, now time.Time) (Wallet, error) {
	if userID.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	wallet, err := store.FindWalletByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	return store.CreateWallet(ctx, NewWallet(userID, now))
}
