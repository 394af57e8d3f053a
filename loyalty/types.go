/*
Package loyalty provides the points ledger and tier engine.

PURPOSE:
  This package owns every rule about a customer's reward points: how orders
  turn into points, how points turn into discounts, which tier a customer
  belongs to, and when stale points expire. Storage, transport and
  notification delivery live in other packages and plug in through the
  interfaces declared here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: Materialized per-customer totals (active, lifetime, tier)
  - PointLot: One earned batch of points with its own expiry date
  - Transaction: An immutable ledger entry recording a balance change
  - Tier: A reward level unlocked by a lifetime-points threshold
  - LineItem: Order line used for earn eligibility

DESIGN PRINCIPLES:
  1. Append-only: Transactions are never modified or deleted
  2. Lots are the source of spendable balance; the account row is a cache
  3. Lifetime points (tier eligibility) and active points (spendable) are
     tracked separately; only lifetime points feed tier resolution
  4. Precision: Money uses decimal.Decimal, points are whole integers

USAGE:
  engine := loyalty.NewEngine(loyalty.EngineConfig{
      Store:   store,
      Program: loyalty.NewStaticProgram(program),
  })
  res, err := engine.Earn(ctx, loyalty.EarnRequest{
      CustomerID: "cust-1",
      OrderID:    "ORD-1",
      OrderTotal: decimal.RequireFromString("120.00"),
  })

SEE ALSO:
  - calculator.go: Earn and redemption arithmetic
  - tier.go: Tier resolution and validation
  - engine.go: Earn / Redeem / Adjust
  - maintenance.go: Expiration sweep
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type LotID string
type TransactionID string
type TierID string

// =============================================================================
// ACCOUNT - Materialized per-customer totals
// =============================================================================

// Account is one customer's loyalty state. It is created lazily by the first
// Earn and never deleted while transactions reference it.
//
// INVARIANTS:
//   - ActivePoints >= 0
//   - ActivePoints == sum of PointsRemaining over the customer's open lots
//   - LifetimePoints only decreases through an explicit lifetime revocation
//     or the ExpirationReducesLifetime program policy
type Account struct {
	CustomerID     CustomerID
	ActivePoints   int64
	LifetimePoints int64
	Tier           TierID
	TierAnchorDate time.Time // when the current tier was entered
	Version        int64     // bumped on every save
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// POINT LOT - One earned batch with its own expiration
// =============================================================================

type LotStatus string

const (
	LotActive            LotStatus = "active"
	LotPartiallyConsumed LotStatus = "partially_consumed"
	LotConsumed          LotStatus = "consumed"
	LotExpired           LotStatus = "expired"
)

// IsOpen reports whether a lot still holds spendable points.
func (s LotStatus) IsOpen() bool {
	return s == LotActive || s == LotPartiallyConsumed
}

// PointLot is created by an earn (or a positive adjustment) and is mutated
// only by FIFO consumption or by expiration.
//
// INVARIANTS:
//   - 0 <= PointsRemaining <= PointsGranted
//   - Once Status is consumed or expired, PointsRemaining is frozen
type PointLot struct {
	ID               LotID
	CustomerID       CustomerID
	PointsGranted    int64
	PointsRemaining  int64
	EarnedAt         time.Time
	ExpiresAt        time.Time
	SourceOrderID    string // empty for manual adjustments
	Status           LotStatus
	WarningEmittedAt *time.Time
	UpdatedAt        time.Time
}

// IsDue reports whether an open lot has reached its expiry at now.
func (l PointLot) IsDue(now time.Time) bool {
	return l.Status.IsOpen() && !l.ExpiresAt.After(now)
}

// NeedsWarning reports whether an open lot expires inside (now, now+window]
// and has not been warned about yet.
func (l PointLot) NeedsWarning(now time.Time, window time.Duration) bool {
	if !l.Status.IsOpen() || l.WarningEmittedAt != nil || window <= 0 {
		return false
	}
	return l.ExpiresAt.After(now) && !l.ExpiresAt.After(now.Add(window))
}

// consume takes up to n points from the lot and returns how many were taken.
func (l *PointLot) consume(n int64, now time.Time) int64 {
	taken := min(n, l.PointsRemaining)
	l.PointsRemaining -= taken
	switch {
	case l.PointsRemaining == 0:
		l.Status = LotConsumed
	case l.PointsRemaining < l.PointsGranted:
		l.Status = LotPartiallyConsumed
	}
	l.UpdatedAt = now
	return taken
}

// expire zeroes the lot and returns the forfeited points.
func (l *PointLot) expire(now time.Time) int64 {
	forfeited := l.PointsRemaining
	l.PointsRemaining = 0
	l.Status = LotExpired
	l.UpdatedAt = now
	return forfeited
}

// =============================================================================
// TRANSACTION - Append-only audit record
// =============================================================================

type TransactionType string

const (
	TxEarn   TransactionType = "earn"   // Points awarded for an order
	TxRedeem TransactionType = "redeem" // Points converted into a discount
	TxExpire TransactionType = "expire" // Lot forfeited at its expiry date
	TxAdjust TransactionType = "adjust" // Manual admin correction
)

// Transaction is one immutable ledger row.
//
// Points is signed: positive for earn and credit adjustments, negative for
// redeem, expire and debit adjustments. LifetimeDelta records how the
// operation moved lifetime points so the whole account can be replayed.
type Transaction struct {
	Seq            int64 // store-assigned creation order
	ID             TransactionID
	CustomerID     CustomerID
	Type           TransactionType
	Points         int64
	LifetimeDelta  int64
	RelatedOrderID string
	LotID          LotID // set for earn, credit adjust and expire rows
	IdempotencyKey string
	Reason         string
	Amount         decimal.Decimal // order total for earn, discount for redeem
	Tier           TierID          // tier after the operation
	BalanceAfter   int64
	CreatedAt      time.Time
}

// =============================================================================
// TIER - Configuration entity, never mutated by the engine
// =============================================================================

// Tier is a named reward level. Tiers form a total order by Ordinal and
// MinLifetimePoints.
type Tier struct {
	ID                TierID
	Name              string
	MinLifetimePoints int64
	Ordinal           int
	EarnMultiplier    decimal.Decimal // e.g. 1.25 for Gold
	RedemptionBonus   decimal.Decimal // e.g. 0.05 adds 5% to discounts
	Benefits          map[string]string
}

// =============================================================================
// ORDER INPUT
// =============================================================================

// LineItem is one order line. Only Category and the line total matter to the
// earn calculation.
type LineItem struct {
	SKU       string
	Category  string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Total returns Quantity x UnitPrice.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}
