/*
events.go - Outbound event envelope

PURPOSE:
  The engine tells the outside world what happened through typed events.
  Every event travels in one Event envelope: Kind says which payload field
  is set and exactly one payload is non-nil. Rendering and delivery belong
  to the notification dispatcher (see notify/), never to the engine.

DELIVERY:
  Events are published after the ledger commit. A publish failure is logged
  and does not undo or fail the ledger operation; a replayed (idempotent)
  call publishes nothing, so each ledger fact is emitted at most once.
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventPointsEarned   EventKind = "points_earned"
	EventPointsRedeemed EventKind = "points_redeemed"
	EventTierChanged    EventKind = "tier_changed"
	EventPointsExpiring EventKind = "points_expiring"
	EventPointsExpired  EventKind = "points_expired"
)

// Event is the tagged-union envelope for all outbound events.
type Event struct {
	ID         string              `json:"id"`
	Kind       EventKind           `json:"kind"`
	CustomerID CustomerID          `json:"customer_id"`
	OccurredAt time.Time           `json:"occurred_at"`
	Earned     *PointsEarnedEvent   `json:"points_earned,omitempty"`
	Redeemed   *PointsRedeemedEvent `json:"points_redeemed,omitempty"`
	TierChange *TierChangeEvent     `json:"tier_changed,omitempty"`
	Expiring   *PointsExpiringEvent `json:"points_expiring,omitempty"`
	Expired    *PointsExpiredEvent  `json:"points_expired,omitempty"`
}

type PointsEarnedEvent struct {
	CustomerID CustomerID `json:"customer_id"`
	Points     int64      `json:"points"`
	OrderID    string     `json:"order_id"`
	NewBalance int64      `json:"new_balance"`
	Tier       TierID     `json:"tier"`
}

type PointsRedeemedEvent struct {
	CustomerID     CustomerID      `json:"customer_id"`
	Points         int64           `json:"points"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	NewBalance     int64           `json:"new_balance"`
}

type TierChangeEvent struct {
	CustomerID CustomerID     `json:"customer_id"`
	OldTier    TierID         `json:"old_tier"`
	NewTier    TierID         `json:"new_tier"`
	Direction  TransitionKind `json:"direction"`
}

type PointsExpiringEvent struct {
	CustomerID CustomerID `json:"customer_id"`
	LotID      LotID      `json:"lot_id"`
	Points     int64      `json:"points"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

type PointsExpiredEvent struct {
	CustomerID CustomerID `json:"customer_id"`
	LotID      LotID      `json:"lot_id"`
	Points     int64      `json:"points"`
	NewBalance int64      `json:"new_balance"`
}

// Publisher receives events after the ledger has committed them.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// DiscardPublisher drops every event.
type DiscardPublisher struct{}

func (DiscardPublisher) Publish(context.Context, ...Event) error { return nil }

// =============================================================================
// ENVELOPE CONSTRUCTORS
// =============================================================================

func (e *Engine) envelope(kind EventKind, customer CustomerID, at time.Time) Event {
	return Event{ID: e.newID(), Kind: kind, CustomerID: customer, OccurredAt: at}
}

func (e *Engine) earnedEvent(at time.Time, p PointsEarnedEvent) Event {
	ev := e.envelope(EventPointsEarned, p.CustomerID, at)
	ev.Earned = &p
	return ev
}

func (e *Engine) redeemedEvent(at time.Time, p PointsRedeemedEvent) Event {
	ev := e.envelope(EventPointsRedeemed, p.CustomerID, at)
	ev.Redeemed = &p
	return ev
}

func (e *Engine) tierEvent(at time.Time, p TierChangeEvent) Event {
	ev := e.envelope(EventTierChanged, p.CustomerID, at)
	ev.TierChange = &p
	return ev
}

func (e *Engine) expiringEvent(at time.Time, p PointsExpiringEvent) Event {
	ev := e.envelope(EventPointsExpiring, p.CustomerID, at)
	ev.Expiring = &p
	return ev
}

func (e *Engine) expiredEvent(at time.Time, p PointsExpiredEvent) Event {
	ev := e.envelope(EventPointsExpired, p.CustomerID, at)
	ev.Expired = &p
	return ev
}
