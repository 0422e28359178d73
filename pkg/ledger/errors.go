package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet services.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrWalletLocked            = errors.New("wallet locked")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrInvalidAction           = errors.New("invalid action")
	ErrConcurrencyTimeout      = errors.New("concurrency timeout")
	ErrDuplicateEvent          = errors.New("duplicate event")
	ErrMalformedEvent          = errors.New("malformed event")
	ErrStaleEvent              = errors.New("stale event")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrPersistenceFailure      = errors.New("persistence failure")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrEntryNotFound           = errors.New("entry not found")
	ErrPricingRuleExists       = errors.New("pricing rule already exists")
	ErrPricingRuleNotFound     = errors.New("pricing rule not found")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidWalletID         = errors.New("invalid wallet id")
	ErrInvalidActionType       = errors.New("invalid action type")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidPricingRule      = errors.New("invalid pricing rule")
	ErrInvalidListLimit        = errors.New("invalid list limit")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// PersistenceError marks a driver failure as a transient persistence failure
// while keeping the driver error reachable through errors.As.
func PersistenceError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout) || errors.Is(err, ErrPersistenceFailure)
}
