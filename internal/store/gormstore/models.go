package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID                 string    `gorm:"type:uuid;primaryKey"`
	UserID             string    `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	Balance            int64     `gorm:"not null"`
	IsLocked           bool      `gorm:"not null"`
	Tier               string    `gorm:"type:varchar(64);not null"`
	SubscriptionActive bool      `gorm:"not null"`
	BillingCycleStart  time.Time `gorm:"not null"`
	BillingCycleEnd    time.Time `gorm:"not null"`
	NextResetDate      time.Time `gorm:"not null;index:idx_wallets_next_reset"`
	CycleEarned        int64     `gorm:"not null"`
	CycleSpent         int64     `gorm:"not null"`
	CyclePurchased     int64     `gorm:"not null"`
	LastSequence       int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	WalletID       string         `gorm:"type:uuid;not null;uniqueIndex:uniq_ledger_entries_wallet_sequence,priority:1;uniqueIndex:uniq_ledger_entries_wallet_idempotency,priority:1"`
	Sequence       int64          `gorm:"not null;uniqueIndex:uniq_ledger_entries_wallet_sequence,priority:2"`
	Type           string         `gorm:"type:varchar(32);not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	ActionType     *string        `gorm:"type:varchar(128)"`
	ReferenceType  *string        `gorm:"type:varchar(64)"`
	ReferenceID    *string        `gorm:"type:varchar(255)"`
	IdempotencyKey *string        `gorm:"type:varchar(255);uniqueIndex:uniq_ledger_entries_wallet_idempotency,priority:2"`
	Description    string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// AllowanceCounter mirrors the allowance_counters table.
type AllowanceCounter struct {
	UserID       string    `gorm:"primaryKey"`
	ActionType   string    `gorm:"type:varchar(128);primaryKey"`
	Period       string    `gorm:"type:char(7);primaryKey"`
	FreeUsed     int64     `gorm:"not null"`
	PaidUsed     int64     `gorm:"not null"`
	CreditsSpent int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (AllowanceCounter) TableName() string { return "allowance_counters" }

// PricingRule mirrors the pricing_rules table.
type PricingRule struct {
	ActionType            string    `gorm:"type:varchar(128);primaryKey"`
	CostPerAction         int64     `gorm:"not null"`
	FreeAllowancePerMonth int64     `gorm:"not null"`
	Active                bool      `gorm:"not null"`
	Description           string    `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// Subscription mirrors the subscriptions table.
type Subscription struct {
	UserID             string     `gorm:"primaryKey"`
	Provider           string     `gorm:"type:varchar(64);not null;index:idx_subscriptions_customer,priority:1"`
	CustomerID         string     `gorm:"not null;index:idx_subscriptions_customer,priority:2"`
	SubscriptionID     string     `gorm:"not null"`
	PriceID            string     `gorm:"not null"`
	Status             string     `gorm:"type:varchar(32);not null"`
	Tier               string     `gorm:"type:varchar(64);not null"`
	CurrentPeriodStart *time.Time `gorm:""`
	CurrentPeriodEnd   *time.Time `gorm:""`
	LastEventID        string     `gorm:"not null"`
	LastEventVersion   int64      `gorm:"not null"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// WebhookEvent mirrors the webhook_events dedup table.
type WebhookEvent struct {
	Provider   string    `gorm:"type:varchar(64);primaryKey"`
	EventID    string    `gorm:"primaryKey"`
	EventType  string    `gorm:"type:varchar(128);not null"`
	Version    int64     `gorm:"not null"`
	Outcome    string    `gorm:"type:varchar(16);not null"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &AllowanceCounter{}, &PricingRule{}, &Subscription{}, &WebhookEvent{}}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
