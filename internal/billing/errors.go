package billing

import (
	"errors"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
)

var (
	// ErrUnknownCustomer is returned when an event cannot be tied to a user yet.
	// It is retryable: a later delivery may arrive after the subscription exists.
	ErrUnknownCustomer = errors.New("unknown customer")
	// ErrInvalidCatalog reports an unusable tier configuration.
	ErrInvalidCatalog = errors.New("invalid tier catalog")
	// ErrSchedulerRunning is returned by Start when the cron loop is already active.
	ErrSchedulerRunning = errors.New("scheduler already running")
)

const (
	errorOperationWebhook   = "webhook"
	errorOperationScheduler = "scheduler"
	errorSubjectEvent       = "event"
	errorSubjectSignature   = "signature"
	errorSubjectCustomer    = "customer"
	errorSubjectWallet      = "wallet"
	errorCodeMalformed      = "malformed"
	errorCodeInvalid        = "invalid"
	errorCodeDuplicate      = "duplicate"
	errorCodeStale          = "stale"
	errorCodeUnknown        = "unknown"
	errorCodeReset          = "reset"
)

// Acknowledged reports whether a Handle result should be confirmed to the
// provider: applied, ignored, duplicate and stale events all count as handled.
func Acknowledged(err error) bool {
	return err == nil || errors.Is(err, ledger.ErrDuplicateEvent) || errors.Is(err, ledger.ErrStaleEvent)
}
