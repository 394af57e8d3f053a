/*
program.go - Loyalty program configuration

PURPOSE:
  A Program bundles every tunable the engine needs: earn rate, redemption
  rate, redemption block, expiry horizon, warning window and the tier table.
  Programs are loaded from documents (see factory/), validated once, and then
  treated as immutable values. Hot reload swaps the whole value.

HOT RELOAD:
  The engine never holds a Program across operations. It asks its
  ProgramSource for the current snapshot at the start of every operation, so
  a reload never changes the rules halfway through an Earn or a sweep.

SEE ALSO:
  - tier.go: Tier table validation
  - factory/program.go: Documents to Program
  - config/program.go: File watcher implementing ProgramSource
*/
package loyalty

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROGRAM
// =============================================================================

// Program is a validated loyalty program configuration.
type Program struct {
	// EarnRate is the number of points per currency unit of eligible spend.
	EarnRate decimal.Decimal

	// PointsPerCurrencyUnit is the redemption rate: 100 means 100 points = 1.00.
	PointsPerCurrencyUnit int64

	// MinRedemptionBlock is the smallest redeemable unit; every redemption
	// must be a positive multiple of it.
	MinRedemptionBlock int64

	// ExpiryMonths is the lot lifetime: ExpiresAt = EarnedAt + ExpiryMonths.
	ExpiryMonths int

	// WarningWindow is how long before expiry a PointsExpiring event fires.
	// Zero disables warnings.
	WarningWindow time.Duration

	// ExpirationReducesLifetime makes expired points count against lifetime
	// points, which can downgrade a tier. Off by default.
	ExpirationReducesLifetime bool

	// ExcludedCategories lists line item categories that never earn points.
	ExcludedCategories []string

	// Tiers in ascending ordinal order.
	Tiers []Tier

	// Version is informational; it is echoed in logs and the API.
	Version string
}

// Validate checks the program and its tier table. Tiers are sorted by
// ordinal as a side effect.
func (p *Program) Validate() error {
	if !p.EarnRate.IsPositive() {
		return fmt.Errorf("%w: earn rate must be positive", ErrInvalidProgram)
	}
	if p.PointsPerCurrencyUnit <= 0 {
		return fmt.Errorf("%w: points per currency unit must be positive", ErrInvalidProgram)
	}
	if p.MinRedemptionBlock <= 0 {
		return fmt.Errorf("%w: minimum redemption block must be positive", ErrInvalidProgram)
	}
	if p.ExpiryMonths <= 0 {
		return fmt.Errorf("%w: expiry months must be positive", ErrInvalidProgram)
	}
	if p.WarningWindow < 0 {
		return fmt.Errorf("%w: warning window must not be negative", ErrInvalidProgram)
	}
	sorted, err := ValidateTiers(p.Tiers)
	if err != nil {
		return err
	}
	p.Tiers = sorted
	return nil
}

// ExpiresAt returns the expiry date of a lot earned at earnedAt.
func (p *Program) ExpiresAt(earnedAt time.Time) time.Time {
	return earnedAt.AddDate(0, p.ExpiryMonths, 0)
}

// BaseTier returns the entry tier (ordinal 0).
func (p *Program) BaseTier() Tier {
	return p.Tiers[0]
}

// TierByID looks a tier up by id.
func (p *Program) TierByID(id TierID) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// IsExcluded reports whether a line item category never earns points.
func (p *Program) IsExcluded(category string) bool {
	return category != "" && slices.Contains(p.ExcludedCategories, category)
}

// currentTier maps an account onto the program's tier table. If the stored
// tier disappeared in a reload, the tier is re-resolved from lifetime points.
func (p *Program) currentTier(acc *Account) Tier {
	if t, ok := p.TierByID(acc.Tier); ok {
		return t
	}
	return ResolveTier(acc.LifetimePoints, p.Tiers)
}

// =============================================================================
// PROGRAM SOURCE - Hot-swappable access to the current program
// =============================================================================

// ProgramSource hands out the current Program snapshot.
type ProgramSource interface {
	Program() *Program
}

// StaticProgram is an in-process ProgramSource that supports Swap.
type StaticProgram struct {
	current atomic.Pointer[Program]
}

// NewStaticProgram wraps an already validated program.
func NewStaticProgram(p *Program) *StaticProgram {
	s := &StaticProgram{}
	s.current.Store(p)
	return s
}

func (s *StaticProgram) Program() *Program { return s.current.Load() }

// Swap validates p and makes it current. The previous program stays in
// place when validation fails.
func (s *StaticProgram) Swap(p *Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}
