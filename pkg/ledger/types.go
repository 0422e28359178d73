package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTier is the tier assigned to wallets without an active subscription.
	DefaultTier = "free"

	periodLayout = "2006-01"
	dateLayout   = "2006-01-02"
)

// Credits is a signed amount of the platform's spendable unit.
type Credits int64

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated returns the additive inverse.
func (credits Credits) Negated() Credits {
	return -credits
}

// NewPositiveCredits validates that raw is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// WalletID identifies a wallet row.
type WalletID struct {
	value string
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id WalletID) IsZero() bool {
	return id.value == ""
}

// ActionType names a gated action such as "profile_analytics" or "email_unlock".
type ActionType struct {
	value string
}

// NewActionType validates and normalizes an action type (lowercased).
func NewActionType(raw string) (ActionType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ActionType{}, fmt.Errorf("%w: empty value", ErrInvalidActionType)
	}
	return ActionType{value: normalized}, nil
}

// String returns the normalized action type.
func (actionType ActionType) String() string {
	return actionType.value
}

// IsZero reports whether the action type was never set.
func (actionType ActionType) IsZero() bool {
	return actionType.value == ""
}

// IdempotencyKey scopes duplicate detection of ledger entries within one wallet.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key was never set.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a map into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Reference correlates an entry with an external entity (unlock record, invoice, event).
type Reference struct {
	Type string
	ID   string
}

// IsZero reports whether the reference is empty.
func (reference Reference) IsZero() bool {
	return reference.Type == "" && reference.ID == ""
}

// String renders "type:id".
func (reference Reference) String() string {
	if reference.IsZero() {
		return ""
	}
	return reference.Type + ":" + reference.ID
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryEarn        EntryType = "earn"
	EntrySpend       EntryType = "spend"
	EntryPurchase    EntryType = "purchase"
	EntryRefund      EntryType = "refund"
	EntryReset       EntryType = "reset"
	EntryAdminAdjust EntryType = "admin_adjust"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryEarn, EntrySpend, EntryPurchase, EntryRefund, EntryReset, EntryAdminAdjust:
		return EntryType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Wallet is the per-user account holding balance and billing state.
type Wallet struct {
	ID                 WalletID
	UserID             UserID
	Balance            Credits
	Locked             bool
	Tier               string
	SubscriptionActive bool
	BillingCycleStart  time.Time
	BillingCycleEnd    time.Time
	NextResetDate      time.Time
	CycleEarned        Credits
	CycleSpent         Credits
	CyclePurchased     Credits
	LastSequence       int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewWallet builds an unsaved wallet with a fresh one-month cycle starting on now's date.
func NewWallet(userID UserID, now time.Time) Wallet {
	cycleStart := DateOf(now)
	cycleEnd := AddMonths(cycleStart, 1)
	return Wallet{
		UserID:            userID,
		Tier:              DefaultTier,
		BillingCycleStart: cycleStart,
		BillingCycleEnd:   cycleEnd,
		NextResetDate:     cycleEnd,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
}

// EffectiveTier is the tier whose allowance currently applies.
func (wallet Wallet) EffectiveTier() string {
	if !wallet.SubscriptionActive || wallet.Tier == "" {
		return DefaultTier
	}
	return wallet.Tier
}

// Period is the allowance-counter key of the wallet's current cycle.
func (wallet Wallet) Period() string {
	return PeriodOf(wallet.BillingCycleStart)
}

// IsDue reports whether the wallet's cycle reset is due at asOf.
func (wallet Wallet) IsDue(asOf time.Time) bool {
	return !wallet.NextResetDate.After(asOf.UTC())
}

// Entry is a single immutable line in a wallet's ledger.
type Entry struct {
	ID             string
	WalletID       WalletID
	Sequence       int64
	Type           EntryType
	Amount         Credits
	BalanceAfter   Credits
	ActionType     ActionType
	Reference      Reference
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// PricingRule maps an action type to its cost and free monthly allowance.
type PricingRule struct {
	ActionType            ActionType
	CostPerAction         Credits
	FreeAllowancePerMonth int64
	Active                bool
	Description           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Validate checks the rule's numeric invariants.
func (rule PricingRule) Validate() error {
	if rule.ActionType.IsZero() {
		return fmt.Errorf("%w: action type is required", ErrInvalidPricingRule)
	}
	if rule.CostPerAction < 0 {
		return fmt.Errorf("%w: cost per action must not be negative", ErrInvalidPricingRule)
	}
	if rule.FreeAllowancePerMonth < 0 {
		return fmt.Errorf("%w: free allowance must not be negative", ErrInvalidPricingRule)
	}
	return nil
}

// AllowanceCounter tracks free vs. paid usage of one action for one user and period.
type AllowanceCounter struct {
	UserID       UserID
	ActionType   ActionType
	Period       string
	FreeUsed     int64
	PaidUsed     int64
	CreditsSpent Credits
	UpdatedAt    time.Time
}

// UsageDelta is an additive change to an AllowanceCounter.
type UsageDelta struct {
	UserID       UserID
	ActionType   ActionType
	Period       string
	FreeDelta    int64
	PaidDelta    int64
	CreditsDelta Credits
	UpdatedAt    time.Time
}

// IsZero reports whether applying the delta would change nothing.
func (delta UsageDelta) IsZero() bool {
	return delta.FreeDelta == 0 && delta.PaidDelta == 0 && delta.CreditsDelta == 0
}

// Subscription mirrors the payment provider's view of a user's subscription.
type Subscription struct {
	UserID             UserID
	Provider           string
	CustomerID         string
	SubscriptionID     string
	PriceID            string
	Status             string
	Tier               string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	LastEventID        string
	LastEventVersion   int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookEventRecord is the dedup row for one processed provider event.
type WebhookEventRecord struct {
	Provider   string
	EventID    string
	EventType  string
	Version    int64
	Outcome    string
	ReceivedAt time.Time
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// PeriodOf returns the YYYY-MM allowance period containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// AddMonths advances a date by n months, clamping to the last day of the target month.
func AddMonths(date time.Time, months int) time.Time {
	utc := date.UTC()
	firstOfTarget := time.Date(utc.Year(), utc.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	day := utc.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, 0, 0, 0, 0, time.UTC)
}
