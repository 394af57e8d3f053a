/*
calculator.go - Points arithmetic

PURPOSE:
  Converts orders into earned points and points into monetary discounts.
  Everything here is pure and deterministic so it can be tested without a
  store.

EARN POLICY:
  eligible = orderTotal - sum(line items in excluded categories), clamped
             to [0, orderTotal]
  points   = floor(eligible x EarnRate x tier.EarnMultiplier)

REDEMPTION POLICY:
  points must be a positive multiple of MinRedemptionBlock
  discount = points / PointsPerCurrencyUnit x (1 + tier.RedemptionBonus),
             rounded down to cents
*/
package loyalty

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ComputeEarnedPoints returns the points an order earns at the given tier.
func ComputeEarnedPoints(p *Program, orderTotal decimal.Decimal, items []LineItem, tier Tier) (int64, error) {
	if !orderTotal.IsPositive() {
		return 0, fmt.Errorf("%w: order total %s must be positive", ErrInvalidOrderAmount, orderTotal)
	}

	eligible := orderTotal
	for _, li := range items {
		if p.IsExcluded(li.Category) {
			eligible = eligible.Sub(li.Total())
		}
	}
	if eligible.IsNegative() {
		eligible = decimal.Zero
	}

	multiplier := tier.EarnMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	return eligible.Mul(p.EarnRate).Mul(multiplier).Floor().IntPart(), nil
}

// ValidateRedemption performs the tier-independent redemption checks.
func ValidateRedemption(p *Program, points int64) error {
	if points <= 0 {
		return fmt.Errorf("%w: %d points must be positive", ErrInvalidRedemptionAmount, points)
	}
	if points%p.MinRedemptionBlock != 0 {
		return fmt.Errorf("%w: %d points is not a multiple of %d",
			ErrInvalidRedemptionAmount, points, p.MinRedemptionBlock)
	}
	return nil
}

// ComputeRedemptionValue converts points into a discount at the given tier.
func ComputeRedemptionValue(p *Program, points int64, tier Tier) (decimal.Decimal, error) {
	if err := ValidateRedemption(p, points); err != nil {
		return decimal.Zero, err
	}
	value := decimal.NewFromInt(points).Div(decimal.NewFromInt(p.PointsPerCurrencyUnit))
	if tier.RedemptionBonus.IsPositive() {
		value = value.Mul(decimal.NewFromInt(1).Add(tier.RedemptionBonus))
	}
	return value.RoundFloor(2), nil
}
