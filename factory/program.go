/*
Package factory provides document to Go program conversion.

PURPOSE:
  Converts program documents (JSON from the admin API, YAML or JSON from the
  program file) into validated loyalty.Program values. Marketing can change
  earn rates, tiers and expiry rules without a deploy; the factory turns the
  loosely typed document into the strict Go struct and rejects anything the
  engine could not run with.

DOCUMENT SCHEMA:
  {
    "version": "2025-spring",
    "earn_rate": "1",
    "points_per_currency_unit": 100,
    "min_redemption_block": 100,
    "expiry_months": 12,
    "warning_days": 7,
    "expiration_reduces_lifetime": false,
    "excluded_categories": ["gift_card"],
    "tiers": [
      {"id": "bronze", "name": "Bronze", "min_lifetime_points": 0},
      {"id": "silver", "name": "Silver", "min_lifetime_points": 1000,
       "earn_multiplier": "1.25", "redemption_bonus": "0.05"},
      {"id": "gold", "name": "Gold", "min_lifetime_points": 5000,
       "earn_multiplier": "1.5", "redemption_bonus": "0.10"}
    ]
  }

  Decimal fields are strings so no rate is ever rounded through float64.
  Tier ordinals default to the tier's position in the list.

DEFAULTS:
  points_per_currency_unit 100, min_redemption_block 100, expiry_months 12,
  warning_days 7. earn_rate and tiers are required.

USAGE:
  f := factory.NewProgramFactory()
  program, err := f.ParseProgram(data)
  source := loyalty.NewStaticProgram(program)

SEE ALSO:
  - loyalty/program.go: Program type and validation
  - config/program.go: Watches the program file and reloads through here
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

const (
	defaultPointsPerCurrencyUnit = 100
	defaultMinRedemptionBlock    = 100
	defaultExpiryMonths          = 12
	defaultWarningDays           = 7
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ProgramDocument is the serialized form of a loyalty program. The
// mapstructure tags let viper decode the same document from YAML.
type ProgramDocument struct {
	Version                   string         `json:"version,omitempty" mapstructure:"version"`
	EarnRate                  string         `json:"earn_rate" mapstructure:"earn_rate"`
	PointsPerCurrencyUnit     int64          `json:"points_per_currency_unit,omitempty" mapstructure:"points_per_currency_unit"`
	MinRedemptionBlock        int64          `json:"min_redemption_block,omitempty" mapstructure:"min_redemption_block"`
	ExpiryMonths              int            `json:"expiry_months,omitempty" mapstructure:"expiry_months"`
	WarningDays               *int           `json:"warning_days,omitempty" mapstructure:"warning_days"` // 0 disables warnings
	ExpirationReducesLifetime bool           `json:"expiration_reduces_lifetime" mapstructure:"expiration_reduces_lifetime"`
	ExcludedCategories        []string       `json:"excluded_categories,omitempty" mapstructure:"excluded_categories"`
	Tiers                     []TierDocument `json:"tiers" mapstructure:"tiers"`
}

// TierDocument is one entry of the tier table.
type TierDocument struct {
	ID                string            `json:"id" mapstructure:"id"`
	Name              string            `json:"name,omitempty" mapstructure:"name"`
	MinLifetimePoints int64             `json:"min_lifetime_points" mapstructure:"min_lifetime_points"`
	Ordinal           *int              `json:"ordinal,omitempty" mapstructure:"ordinal"`
	EarnMultiplier    string            `json:"earn_multiplier,omitempty" mapstructure:"earn_multiplier"`
	RedemptionBonus   string            `json:"redemption_bonus,omitempty" mapstructure:"redemption_bonus"`
	Benefits          map[string]string `json:"benefits,omitempty" mapstructure:"benefits"`
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts program documents to loyalty programs.
type ProgramFactory struct{}

func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

// ParseProgram parses a JSON document into a validated Program.
func (f *ProgramFactory) ParseProgram(data []byte) (*loyalty.Program, error) {
	var doc ProgramDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse program JSON: %v", loyalty.ErrInvalidProgram, err)
	}
	return f.FromDocument(doc)
}

// FromDocument converts a document into a validated Program.
func (f *ProgramFactory) FromDocument(doc ProgramDocument) (*loyalty.Program, error) {
	if doc.EarnRate == "" {
		return nil, fmt.Errorf("%w: earn_rate is required", loyalty.ErrInvalidProgram)
	}
	earnRate, err := decimal.NewFromString(doc.EarnRate)
	if err != nil {
		return nil, fmt.Errorf("%w: earn_rate %q: %v", loyalty.ErrInvalidProgram, doc.EarnRate, err)
	}

	p := &loyalty.Program{
		Version:                   doc.Version,
		EarnRate:                  earnRate,
		PointsPerCurrencyUnit:     orDefault(doc.PointsPerCurrencyUnit, defaultPointsPerCurrencyUnit),
		MinRedemptionBlock:        orDefault(doc.MinRedemptionBlock, defaultMinRedemptionBlock),
		ExpiryMonths:              orDefault(doc.ExpiryMonths, defaultExpiryMonths),
		WarningWindow:             defaultWarningDays * 24 * time.Hour,
		ExpirationReducesLifetime: doc.ExpirationReducesLifetime,
		ExcludedCategories:        doc.ExcludedCategories,
	}
	if doc.WarningDays != nil {
		p.WarningWindow = time.Duration(*doc.WarningDays) * 24 * time.Hour
	}

	for i, td := range doc.Tiers {
		tier, err := parseTier(td, i)
		if err != nil {
			return nil, err
		}
		p.Tiers = append(p.Tiers, tier)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ToDocument converts a Program back to its document form.
func (f *ProgramFactory) ToDocument(p *loyalty.Program) ProgramDocument {
	warningDays := int(p.WarningWindow / (24 * time.Hour))
	doc := ProgramDocument{
		Version:                   p.Version,
		EarnRate:                  p.EarnRate.String(),
		PointsPerCurrencyUnit:     p.PointsPerCurrencyUnit,
		MinRedemptionBlock:        p.MinRedemptionBlock,
		ExpiryMonths:              p.ExpiryMonths,
		WarningDays:               &warningDays,
		ExpirationReducesLifetime: p.ExpirationReducesLifetime,
		ExcludedCategories:        p.ExcludedCategories,
	}
	for _, t := range p.Tiers {
		ordinal := t.Ordinal
		doc.Tiers = append(doc.Tiers, TierDocument{
			ID:                string(t.ID),
			Name:              t.Name,
			MinLifetimePoints: t.MinLifetimePoints,
			Ordinal:           &ordinal,
			EarnMultiplier:    t.EarnMultiplier.String(),
			RedemptionBonus:   t.RedemptionBonus.String(),
			Benefits:          t.Benefits,
		})
	}
	return doc
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTier(td TierDocument, position int) (loyalty.Tier, error) {
	tier := loyalty.Tier{
		ID:                loyalty.TierID(td.ID),
		Name:              td.Name,
		MinLifetimePoints: td.MinLifetimePoints,
		Ordinal:           position,
		Benefits:          td.Benefits,
	}
	if td.Ordinal != nil {
		tier.Ordinal = *td.Ordinal
	}
	if tier.Name == "" {
		tier.Name = td.ID
	}

	var err error
	if tier.EarnMultiplier, err = parseDecimal(td.EarnMultiplier, "1"); err != nil {
		return loyalty.Tier{}, &loyalty.TierConfigError{TierID: tier.ID, Reason: fmt.Sprintf("earn_multiplier: %v", err)}
	}
	if tier.RedemptionBonus, err = parseDecimal(td.RedemptionBonus, "0"); err != nil {
		return loyalty.Tier{}, &loyalty.TierConfigError{TierID: tier.ID, Reason: fmt.Sprintf("redemption_bonus: %v", err)}
	}
	return tier, nil
}

func parseDecimal(s, fallback string) (decimal.Decimal, error) {
	if s == "" {
		s = fallback
	}
	return decimal.NewFromString(s)
}

func orDefault[T int | int64](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

// =============================================================================
// PRESET PROGRAMS
// =============================================================================

// StandardProgramJSON returns a three-tier program: 1 point per currency
// unit, 100 points = 1.00, Bronze/Silver/Gold at 0/1000/5000 lifetime points.
func StandardProgramJSON(version string) string {
	return fmt.Sprintf(`{
  "version": %q,
  "earn_rate": "1",
  "points_per_currency_unit": 100,
  "min_redemption_block": 100,
  "expiry_months": 12,
  "warning_days": 7,
  "excluded_categories": ["gift_card"],
  "tiers": [
    {"id": "bronze", "name": "Bronze", "min_lifetime_points": 0},
    {"id": "silver", "name": "Silver", "min_lifetime_points": 1000, "earn_multiplier": "1.25", "redemption_bonus": "0.05"},
    {"id": "gold", "name": "Gold", "min_lifetime_points": 5000, "earn_multiplier": "1.5", "redemption_bonus": "0.10"}
  ]
}`, version)
}
