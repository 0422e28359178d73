package ledger

import "time"

// Operation names and statuses carried by OperationLog.
const (
	OperationAppend        = "append"
	OperationGetOrCreate   = "get_or_create"
	OperationLock          = "lock"
	OperationUnlock        = "unlock"
	OperationAdjust        = "admin_adjust"
	OperationGrant         = "grant"
	OperationCheck         = "check"
	OperationCommit        = "commit"
	OperationRecordUsage   = "record_usage"
	OperationPricingCreate = "pricing_create"
	OperationPricingUpdate = "pricing_update"

	StatusOK    = "ok"
	StatusError = "error"
)

const (
	errorOperationAppender = "appender"
	errorOperationPricing  = "pricing"
	errorSubjectEntry      = "entry"
	errorSubjectWallet     = "wallet"
	errorSubjectRule       = "rule"
	errorSubjectTx         = "transaction"
	errorCodeDuplicate     = "duplicate"
	errorCodeInsufficient  = "insufficient_balance"
	errorCodeLocked        = "locked"
	errorCodeTimeout       = "timeout"
	errorCodeUnknown       = "unknown"
	errorCodeInactive      = "inactive"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixSpend  = "spend"

	defaultLockTimeout    = 5 * time.Second
	maxListEntriesLimit   = 500
	defaultListEntryLimit = 50
)

// MaxActionQuantity bounds the number of actions one check or commit may cover.
const MaxActionQuantity = 1_000_000
