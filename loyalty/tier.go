/*
tier.go - Tier resolution

PURPOSE:
  Pure functions that place a customer in a tier from their lifetime points
  and classify tier changes. No I/O, safe to call from anywhere.

LIFETIME VS ACTIVE:
  Only lifetime points feed ResolveTier. Redemption spends active points and
  leaves lifetime points alone, so spending can never downgrade a customer.
  Downgrades come only from an explicit lifetime revocation (fraud
  clawback) or from a program that counts expirations against lifetime.

TABLE RULES (checked by ValidateTiers):
  - At least one tier, unique ids
  - Ordinals are exactly 0..n-1
  - MinLifetimePoints strictly ascends with ordinal
  - The ordinal-0 tier starts at 0 so every customer has a tier
  - EarnMultiplier > 0, RedemptionBonus >= 0
*/
package loyalty

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// TransitionKind classifies a tier change.
type TransitionKind string

const (
	TransitionNone      TransitionKind = "none"
	TransitionUpgrade   TransitionKind = "upgrade"
	TransitionDowngrade TransitionKind = "downgrade"
)

// ValidateTiers checks a tier table and returns it sorted by ordinal.
// Missing multipliers default to 1.
func ValidateTiers(tiers []Tier) ([]Tier, error) {
	if len(tiers) == 0 {
		return nil, &TierConfigError{Reason: "at least one tier is required"}
	}

	sorted := slices.Clone(tiers)
	slices.SortFunc(sorted, func(a, b Tier) int { return a.Ordinal - b.Ordinal })

	seen := make(map[TierID]bool, len(sorted))
	for i := range sorted {
		t := &sorted[i]
		if t.ID == "" {
			return nil, &TierConfigError{Reason: fmt.Sprintf("tier at ordinal %d has no id", t.Ordinal)}
		}
		if seen[t.ID] {
			return nil, &TierConfigError{TierID: t.ID, Reason: "duplicate tier id"}
		}
		seen[t.ID] = true

		if t.Ordinal != i {
			return nil, &TierConfigError{TierID: t.ID, Reason: fmt.Sprintf("ordinal %d leaves a gap (expected %d)", t.Ordinal, i)}
		}
		if i == 0 && t.MinLifetimePoints != 0 {
			return nil, &TierConfigError{TierID: t.ID, Reason: "lowest tier must start at 0 lifetime points"}
		}
		if i > 0 && t.MinLifetimePoints <= sorted[i-1].MinLifetimePoints {
			return nil, &TierConfigError{TierID: t.ID, Reason: "min lifetime points must ascend with ordinal"}
		}

		if t.EarnMultiplier.IsZero() {
			t.EarnMultiplier = decimal.NewFromInt(1)
		}
		if t.EarnMultiplier.IsNegative() {
			return nil, &TierConfigError{TierID: t.ID, Reason: "earn multiplier must be positive"}
		}
		if t.RedemptionBonus.IsNegative() {
			return nil, &TierConfigError{TierID: t.ID, Reason: "redemption bonus must not be negative"}
		}
	}
	return sorted, nil
}

// ResolveTier returns the highest-ordinal tier whose threshold is met.
// tiers must have passed ValidateTiers.
func ResolveTier(lifetimePoints int64, tiers []Tier) Tier {
	best := tiers[0]
	for _, t := range tiers {
		if t.MinLifetimePoints <= lifetimePoints && t.Ordinal >= best.Ordinal {
			best = t
		}
	}
	return best
}

// DetectTransition compares two tiers by ordinal.
func DetectTransition(oldTier, newTier Tier) TransitionKind {
	switch {
	case newTier.Ordinal > oldTier.Ordinal:
		return TransitionUpgrade
	case newTier.Ordinal < oldTier.Ordinal:
		return TransitionDowngrade
	default:
		return TransitionNone
	}
}
