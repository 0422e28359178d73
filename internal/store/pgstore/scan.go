package pgstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/jackc/pgx/v5"
)

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		id, userID                        string
		balance, earned, spent, purchased int64
		locked, subscriptionActive        bool
		tier                              string
		cycleStart, cycleEnd, nextReset   time.Time
		lastSequence                      int64
		createdAt, updatedAt              time.Time
	)
	if err := row.Scan(
		&id, &userID, &balance, &locked, &tier, &subscriptionActive,
		&cycleStart, &cycleEnd, &nextReset,
		&earned, &spent, &purchased, &lastSequence, &createdAt, &updatedAt,
	); err != nil {
		return ledger.Wallet{}, err
	}
	walletID, err := ledger.NewWalletID(id)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return ledger.Wallet{
		ID:                 walletID,
		UserID:             owner,
		Balance:            ledger.Credits(balance),
		Locked:             locked,
		Tier:               tier,
		SubscriptionActive: subscriptionActive,
		BillingCycleStart:  cycleStart.UTC(),
		BillingCycleEnd:    cycleEnd.UTC(),
		NextResetDate:      nextReset.UTC(),
		CycleEarned:        ledger.Credits(earned),
		CycleSpent:         ledger.Credits(spent),
		CyclePurchased:     ledger.Credits(purchased),
		LastSequence:       lastSequence,
		CreatedAt:          createdAt.UTC(),
		UpdatedAt:          updatedAt.UTC(),
	}, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		id, walletIDValue, entryTypeValue string
		sequence, amount, balanceAfter    int64
		actionTypeValue                   string
		referenceType, referenceID        string
		keyValue, description, metadata   string
		createdAt                         time.Time
	)
	if err := row.Scan(
		&id, &walletIDValue, &sequence, &entryTypeValue, &amount, &balanceAfter,
		&actionTypeValue, &referenceType, &referenceID,
		&keyValue, &description, &metadata, &createdAt,
	); err != nil {
		return ledger.Entry{}, err
	}
	walletID, err := ledger.NewWalletID(walletIDValue)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entryType, err := ledger.ParseEntryType(entryTypeValue)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	var actionType ledger.ActionType
	if actionTypeValue != "" {
		if actionType, err = ledger.NewActionType(actionTypeValue); err != nil {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
	}
	var key ledger.IdempotencyKey
	if keyValue != "" {
		if key, err = ledger.NewIdempotencyKey(keyValue); err != nil {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
	}
	metadataJSON, err := ledger.NewMetadataJSON(metadata)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return ledger.Entry{
		ID:             id,
		WalletID:       walletID,
		Sequence:       sequence,
		Type:           entryType,
		Amount:         ledger.Credits(amount),
		BalanceAfter:   ledger.Credits(balanceAfter),
		ActionType:     actionType,
		Reference:      ledger.Reference{Type: referenceType, ID: referenceID},
		IdempotencyKey: key,
		Description:    description,
		Metadata:       metadataJSON,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

func scanPricingRule(row pgx.Row) (ledger.PricingRule, error) {
	var (
		actionTypeValue      string
		cost, allowance      int64
		active               bool
		description          string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&actionTypeValue, &cost, &allowance, &active, &description, &createdAt, &updatedAt); err != nil {
		return ledger.PricingRule{}, err
	}
	actionType, err := ledger.NewActionType(actionTypeValue)
	if err != nil {
		return ledger.PricingRule{}, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
	}
	return ledger.PricingRule{
		ActionType:            actionType,
		CostPerAction:         ledger.Credits(cost),
		FreeAllowancePerMonth: allowance,
		Active:                active,
		Description:           description,
		CreatedAt:             createdAt.UTC(),
		UpdatedAt:             updatedAt.UTC(),
	}, nil
}

func scanSubscription(row pgx.Row) (ledger.Subscription, error) {
	var (
		subscription         ledger.Subscription
		userID               string
		periodStart          *time.Time
		periodEnd            *time.Time
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(
		&userID, &subscription.Provider, &subscription.CustomerID, &subscription.SubscriptionID,
		&subscription.PriceID, &subscription.Status, &subscription.Tier,
		&periodStart, &periodEnd, &subscription.LastEventID, &subscription.LastEventVersion,
		&createdAt, &updatedAt,
	); err != nil {
		return ledger.Subscription{}, err
	}
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	subscription.UserID = owner
	if periodStart != nil {
		subscription.CurrentPeriodStart = periodStart.UTC()
	}
	if periodEnd != nil {
		subscription.CurrentPeriodEnd = periodEnd.UTC()
	}
	subscription.CreatedAt = createdAt.UTC()
	subscription.UpdatedAt = updatedAt.UTC()
	return subscription, nil
}
