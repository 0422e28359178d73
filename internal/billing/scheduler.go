package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSchedule  = "@hourly"
	defaultBatchSize = 100

	// OperationCycleReset names scheduler entries in OperationLog.
	OperationCycleReset = "cycle_reset"

	idempotencyPrefixReset = "reset:"
	referenceTypeCycle     = "billing_cycle"
)

// SchedulerOption configures a CycleScheduler.
type SchedulerOption func(*CycleScheduler)

// WithSchedule sets the cron expression used by Start.
func WithSchedule(spec string) SchedulerOption {
	return func(scheduler *CycleScheduler) {
		if spec != "" {
			scheduler.schedule = spec
		}
	}
}

// WithBatchSize bounds how many due wallets are read per page.
func WithBatchSize(size int) SchedulerOption {
	return func(scheduler *CycleScheduler) {
		if size > 0 {
			scheduler.batchSize = size
		}
	}
}

// WithSchedulerLogger wires the per-wallet operation logger.
func WithSchedulerLogger(logger ledger.OperationLogger) SchedulerOption {
	return func(scheduler *CycleScheduler) {
		scheduler.operations = logger
	}
}

// WithZapLogger wires the logger used for cron run summaries.
func WithZapLogger(logger *zap.Logger) SchedulerOption {
	return func(scheduler *CycleScheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// CycleScheduler resets wallets whose billing cycle has ended.
type CycleScheduler struct {
	store      ledger.Store
	appender   *ledger.Appender
	catalog    *TierCatalog
	nowFn      func() time.Time
	schedule   string
	batchSize  int
	operations ledger.OperationLogger
	logger     *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCycleScheduler wires a CycleScheduler.
func NewCycleScheduler(store ledger.Store, appender *ledger.Appender, catalog *TierCatalog, now func() time.Time, options ...SchedulerOption) (*CycleScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if appender == nil {
		return nil, fmt.Errorf("%w: appender dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: tier catalog is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	scheduler := &CycleScheduler{
		store:     store,
		appender:  appender,
		catalog:   catalog,
		nowFn:     now,
		schedule:  defaultSchedule,
		batchSize: defaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	if _, err := cron.ParseStandard(scheduler.schedule); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ledger.ErrInvalidServiceConfig, scheduler.schedule, err)
	}
	return scheduler, nil
}

// RunDueResets resets every wallet due at asOf and returns how many were
// reset. Per-wallet failures do not stop the run; they are joined into the
// returned error. Running it twice for the same asOf resets nothing the second time.
func (scheduler *CycleScheduler) RunDueResets(ctx context.Context, asOf time.Time) (int, error) {
	asOf = asOf.UTC()
	var (
		resetCount int
		failures   []error
		after      string
	)
	for {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		wallets, err := scheduler.store.ListDueWallets(ctx, asOf, after, scheduler.batchSize)
		if err != nil {
			failures = append(failures, err)
			break
		}
		for _, wallet := range wallets {
			reset, err := scheduler.resetWallet(ctx, wallet.ID, asOf)
			if err != nil {
				failures = append(failures, fmt.Errorf("wallet %s: %w", wallet.ID, err))
				continue
			}
			if reset {
				resetCount++
			}
		}
		if len(wallets) < scheduler.batchSize {
			break
		}
		after = wallets[len(wallets)-1].ID.String()
	}
	return resetCount, errors.Join(failures...)
}

func (scheduler *CycleScheduler) resetWallet(ctx context.Context, walletID ledger.WalletID, asOf time.Time) (bool, error) {
	var (
		reset  bool
		userID ledger.UserID
		amount ledger.Credits
	)
	err := scheduler.appender.RunTx(ctx, func(ctx context.Context, tx *ledger.Tx) error {
		wallet, err := tx.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		userID = wallet.UserID
		if !wallet.IsDue(asOf) {
			return nil
		}
		cycleStart, cycleEnd := nextCycle(wallet.BillingCycleStart, asOf)
		tier := scheduler.catalog.Tier(wallet.EffectiveTier())
		amount = tier.ResetBalance(wallet.Balance) - wallet.Balance

		key, err := ledger.NewIdempotencyKey(idempotencyPrefixReset + ledger.FormatDate(cycleStart))
		if err != nil {
			return err
		}
		metadata, err := ledger.MetadataFromMap(map[string]any{
			"tier":        tier.Name,
			"policy":      string(tier.Policy),
			"cycle_start": ledger.FormatDate(cycleStart),
			"cycle_end":   ledger.FormatDate(cycleEnd),
		})
		if err != nil {
			return err
		}
		updated, _, err := tx.Append(ctx, wallet, ledger.AppendRequest{
			Type:           ledger.EntryReset,
			Amount:         amount,
			Reference:      ledger.Reference{Type: referenceTypeCycle, ID: ledger.FormatDate(cycleStart)},
			IdempotencyKey: key,
			Description:    "monthly credit reset",
			Metadata:       metadata,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return err
		}

		updated.BillingCycleStart = cycleStart
		updated.BillingCycleEnd = cycleEnd
		updated.NextResetDate = cycleEnd
		updated.CycleEarned = 0
		if amount > 0 {
			updated.CycleEarned = amount
		}
		updated.CycleSpent = 0
		updated.CyclePurchased = 0
		updated.UpdatedAt = tx.Now()
		if err := tx.SaveWalletState(ctx, updated); err != nil {
			return err
		}
		if err := tx.ResetAllowanceCounters(ctx, wallet.UserID, ledger.PeriodOf(cycleStart)); err != nil {
			return err
		}
		reset = true
		return nil
	})
	if err != nil {
		err = ledger.WrapError(errorOperationScheduler, errorSubjectWallet, errorCodeReset, err)
	}
	if scheduler.operations != nil && (reset || err != nil) {
		status := ledger.StatusOK
		if err != nil {
			status = ledger.StatusError
		}
		scheduler.operations.LogOperation(ctx, ledger.OperationLog{
			Operation: OperationCycleReset,
			UserID:    userID,
			Amount:    amount,
			Subject:   walletID.String(),
			Status:    status,
			Error:     err,
		})
	}
	return reset, err
}

// nextCycle advances a cycle start by whole months until the cycle covers asOf.
// Months are counted from the original start so month-end anchors survive short months.
func nextCycle(cycleStart time.Time, asOf time.Time) (time.Time, time.Time) {
	months := 1
	for {
		start := ledger.AddMonths(cycleStart, months)
		end := ledger.AddMonths(cycleStart, months+1)
		if end.After(asOf) {
			return start, end
		}
		months++
	}
}

// Start runs RunDueResets on the configured schedule until Stop is called.
func (scheduler *CycleScheduler) Start(ctx context.Context) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.cron != nil {
		return ErrSchedulerRunning
	}
	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := runner.AddFunc(scheduler.schedule, func() { scheduler.runOnce(ctx) }); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidServiceConfig, err)
	}
	runner.Start()
	scheduler.cron = runner
	scheduler.logger.Info("billing cycle scheduler started", zap.String("schedule", scheduler.schedule))
	return nil
}

// Stop halts the schedule and waits for a running reset pass to finish.
func (scheduler *CycleScheduler) Stop() {
	scheduler.mu.Lock()
	runner := scheduler.cron
	scheduler.cron = nil
	scheduler.mu.Unlock()
	if runner == nil {
		return
	}
	<-runner.Stop().Done()
	scheduler.logger.Info("billing cycle scheduler stopped")
}

func (scheduler *CycleScheduler) runOnce(ctx context.Context) {
	asOf := scheduler.nowFn()
	count, err := scheduler.RunDueResets(ctx, asOf)
	if err != nil {
		scheduler.logger.Error("billing cycle reset run finished with failures", zap.Int("reset_count", count), zap.Error(err))
		return
	}
	scheduler.logger.Info("billing cycle reset run finished", zap.Int("reset_count", count))
}
