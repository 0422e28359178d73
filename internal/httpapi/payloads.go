package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
)

type referencePayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (payload referencePayload) reference() ledger.Reference {
	return ledger.Reference{Type: payload.Type, ID: payload.ID}
}

type checkRequest struct {
	UserID     string `json:"user_id"`
	ActionType string `json:"action_type"`
	Quantity   int64  `json:"quantity"`
}

type commitRequest struct {
	UserID     string           `json:"user_id"`
	ActionType string           `json:"action_type"`
	Quantity   int64            `json:"quantity"`
	Reason     string           `json:"reason"`
	Reference  referencePayload `json:"reference"`
}

type pricingRequest struct {
	ActionType            string `json:"action_type"`
	CostPerAction         int64  `json:"cost_per_action"`
	FreeAllowancePerMonth int64  `json:"free_allowance_per_month"`
	Active                *bool  `json:"active"`
	Description           string `json:"description"`
}

type amountRequest struct {
	Amount         int64            `json:"amount"`
	IdempotencyKey string           `json:"idempotency_key"`
	Description    string           `json:"description"`
	Reference      referencePayload `json:"reference"`
}

type resetRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type decisionPayload struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason"`
	UserID          string `json:"user_id"`
	ActionType      string `json:"action_type"`
	Quantity        int64  `json:"quantity"`
	CreditsRequired int64  `json:"credits_required"`
	FreeApplied     int64  `json:"free_applied"`
	PaidUnits       int64  `json:"paid_units"`
	Balance         int64  `json:"balance"`
}

func newDecisionPayload(decision ledger.Decision) decisionPayload {
	return decisionPayload{
		Allowed:         decision.Allowed,
		Reason:          decision.Reason,
		UserID:          decision.UserID.String(),
		ActionType:      decision.ActionType.String(),
		Quantity:        decision.Quantity,
		CreditsRequired: decision.CreditsRequired.Int64(),
		FreeApplied:     decision.FreeApplied,
		PaidUnits:       decision.PaidUnits,
		Balance:         decision.Balance.Int64(),
	}
}

type breakdownPayload struct {
	ActionType      string `json:"action_type"`
	Period          string `json:"period"`
	Quantity        int64  `json:"quantity"`
	CostPerAction   int64  `json:"cost_per_action"`
	FreeAllowance   int64  `json:"free_allowance"`
	FreeUsed        int64  `json:"free_used"`
	FreeRemaining   int64  `json:"free_remaining"`
	FreeApplied     int64  `json:"free_applied"`
	PaidUnits       int64  `json:"paid_units"`
	CreditsRequired int64  `json:"credits_required"`
}

func newBreakdownPayload(breakdown ledger.Breakdown) breakdownPayload {
	return breakdownPayload{
		ActionType:      breakdown.ActionType.String(),
		Period:          breakdown.Period,
		Quantity:        breakdown.Quantity,
		CostPerAction:   breakdown.CostPerAction.Int64(),
		FreeAllowance:   breakdown.FreeAllowance,
		FreeUsed:        breakdown.FreeUsed,
		FreeRemaining:   breakdown.FreeRemaining,
		FreeApplied:     breakdown.FreeApplied,
		PaidUnits:       breakdown.PaidUnits,
		CreditsRequired: breakdown.CreditsRequired.Int64(),
	}
}

type entryPayload struct {
	EntryID        string           `json:"entry_id"`
	Sequence       int64            `json:"sequence"`
	Type           string           `json:"type"`
	Amount         int64            `json:"amount"`
	BalanceAfter   int64            `json:"balance_after"`
	ActionType     string           `json:"action_type,omitempty"`
	Reference      referencePayload `json:"reference"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Description    string           `json:"description,omitempty"`
	Metadata       json.RawMessage  `json:"metadata"`
	CreatedAt      time.Time        `json:"created_at"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.ID,
		Sequence:       entry.Sequence,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		ActionType:     entry.ActionType.String(),
		Reference:      referencePayload{Type: entry.Reference.Type, ID: entry.Reference.ID},
		IdempotencyKey: entry.IdempotencyKey.String(),
		Description:    entry.Description,
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedAt:      entry.CreatedAt,
	}
}

type walletPayload struct {
	WalletID          string    `json:"wallet_id"`
	UserID            string    `json:"user_id"`
	Balance           int64     `json:"balance"`
	Locked            bool      `json:"locked"`
	Tier              string    `json:"tier"`
	EffectiveTier     string    `json:"effective_tier"`
	BillingCycleStart time.Time `json:"billing_cycle_start"`
	BillingCycleEnd   time.Time `json:"billing_cycle_end"`
	NextResetDate     time.Time `json:"next_reset_date"`
	CycleEarned       int64     `json:"cycle_earned"`
	CycleSpent        int64     `json:"cycle_spent"`
	CyclePurchased    int64     `json:"cycle_purchased"`
}

func newWalletPayload(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		WalletID:          wallet.ID.String(),
		UserID:            wallet.UserID.String(),
		Balance:           wallet.Balance.Int64(),
		Locked:            wallet.Locked,
		Tier:              wallet.Tier,
		EffectiveTier:     wallet.EffectiveTier(),
		BillingCycleStart: wallet.BillingCycleStart,
		BillingCycleEnd:   wallet.BillingCycleEnd,
		NextResetDate:     wallet.NextResetDate,
		CycleEarned:       wallet.CycleEarned.Int64(),
		CycleSpent:        wallet.CycleSpent.Int64(),
		CyclePurchased:    wallet.CyclePurchased.Int64(),
	}
}

type auditPayload struct {
	StoredBalance int64 `json:"stored_balance"`
	LedgerSum     int64 `json:"ledger_sum"`
	LastSequence  int64 `json:"last_sequence"`
	Consistent    bool  `json:"consistent"`
}

func newAuditPayload(report ledger.AuditReport) auditPayload {
	return auditPayload{
		StoredBalance: report.StoredBalance.Int64(),
		LedgerSum:     report.LedgerSum.Int64(),
		LastSequence:  report.LastSequence,
		Consistent:    report.Consistent(),
	}
}

type rulePayload struct {
	ActionType            string    `json:"action_type"`
	CostPerAction         int64     `json:"cost_per_action"`
	FreeAllowancePerMonth int64     `json:"free_allowance_per_month"`
	Active                bool      `json:"active"`
	Description           string    `json:"description"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func newRulePayload(rule ledger.PricingRule) rulePayload {
	return rulePayload{
		ActionType:            rule.ActionType.String(),
		CostPerAction:         rule.CostPerAction.Int64(),
		FreeAllowancePerMonth: rule.FreeAllowancePerMonth,
		Active:                rule.Active,
		Description:           rule.Description,
		CreatedAt:             rule.CreatedAt,
		UpdatedAt:             rule.UpdatedAt,
	}
}

type usagePayload struct {
	Period       string `json:"period"`
	FreeUsed     int64  `json:"free_used"`
	PaidUsed     int64  `json:"paid_used"`
	CreditsSpent int64  `json:"credits_spent"`
}
