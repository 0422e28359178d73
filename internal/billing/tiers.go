package billing

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ResetPolicy decides how a cycle reset treats the remaining balance.
type ResetPolicy string

const (
	// PolicyFull sets the balance to the tier's monthly credits.
	PolicyFull ResetPolicy = "full"
	// PolicyRollover adds the monthly credits to the balance, bounded by the rollover cap.
	PolicyRollover ResetPolicy = "rollover"
)

// Tier describes one subscription level.
type Tier struct {
	Name           string
	MonthlyCredits ledger.Credits
	Policy         ResetPolicy
	RolloverCap    ledger.Credits
	PriceIDs       []string
}

// ResetBalance returns the balance a wallet on this tier holds after a cycle reset.
func (tier Tier) ResetBalance(current ledger.Credits) ledger.Credits {
	if tier.Policy != PolicyRollover {
		return tier.MonthlyCredits
	}
	if current < 0 {
		current = 0
	}
	next := current + tier.MonthlyCredits
	if tier.RolloverCap > 0 && next > tier.RolloverCap {
		next = tier.RolloverCap
	}
	return next
}

// TierCatalog maps tier names to allowances and provider price ids to tiers.
type TierCatalog struct {
	tiers          map[string]Tier
	tierByPrice    map[string]string
	creditsPerUnit decimal.Decimal
}

// NewTierCatalog validates tiers and indexes them. A free tier with no
// credits is added when absent.
func NewTierCatalog(tiers []Tier, creditsPerUnit decimal.Decimal) (*TierCatalog, error) {
	if creditsPerUnit.IsNegative() {
		return nil, fmt.Errorf("%w: credits per currency unit must not be negative", ErrInvalidCatalog)
	}
	catalog := &TierCatalog{
		tiers:          make(map[string]Tier, len(tiers)+1),
		tierByPrice:    make(map[string]string),
		creditsPerUnit: creditsPerUnit,
	}
	for _, tier := range tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: tier name is required", ErrInvalidCatalog)
		}
		if _, exists := catalog.tiers[name]; exists {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidCatalog, name)
		}
		if tier.MonthlyCredits < 0 || tier.RolloverCap < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative credits", ErrInvalidCatalog, name)
		}
		switch tier.Policy {
		case "":
			tier.Policy = PolicyFull
		case PolicyFull, PolicyRollover:
		default:
			return nil, fmt.Errorf("%w: tier %q has unknown reset policy %q", ErrInvalidCatalog, name, tier.Policy)
		}
		tier.Name = name
		catalog.tiers[name] = tier
		for _, priceID := range tier.PriceIDs {
			priceID = strings.TrimSpace(priceID)
			if priceID == "" {
				continue
			}
			if owner, taken := catalog.tierByPrice[priceID]; taken {
				return nil, fmt.Errorf("%w: price %q mapped to %q and %q", ErrInvalidCatalog, priceID, owner, name)
			}
			catalog.tierByPrice[priceID] = name
		}
	}
	if _, ok := catalog.tiers[ledger.DefaultTier]; !ok {
		catalog.tiers[ledger.DefaultTier] = Tier{Name: ledger.DefaultTier, Policy: PolicyFull}
	}
	return catalog, nil
}

// Tier returns the named tier, falling back to the free tier for unknown names.
func (catalog *TierCatalog) Tier(name string) Tier {
	if tier, ok := catalog.tiers[strings.ToLower(name)]; ok {
		return tier
	}
	return catalog.tiers[ledger.DefaultTier]
}

// TierForPrice resolves a provider price id.
func (catalog *TierCatalog) TierForPrice(priceID string) (string, bool) {
	name, ok := catalog.tierByPrice[priceID]
	return name, ok
}

// Allowance is the monthly credit allowance of the named tier.
func (catalog *TierCatalog) Allowance(name string) ledger.Credits {
	return catalog.Tier(name).MonthlyCredits
}

// CreditsForAmount converts an amount in minor currency units (cents) into
// credits, rounding down.
func (catalog *TierCatalog) CreditsForAmount(amountMinor int64) ledger.Credits {
	if amountMinor <= 0 {
		return 0
	}
	units := decimal.New(amountMinor, -2)
	return ledger.Credits(units.Mul(catalog.creditsPerUnit).Floor().IntPart())
}
