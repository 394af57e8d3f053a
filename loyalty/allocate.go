/*
allocate.go - FIFO allocation over point lots

PURPOSE:
  Spending points is an allocator over a set of expiring resources: the
  oldest lot is drained first so the points closest to expiry are used
  before they can be forfeited.

ORDERING:
  Lots are ordered by EarnedAt ascending, ties broken by lot id, so the
  allocation is deterministic across stores.

INVARIANT:
  After an allocation, no lot with an earlier EarnedAt retains points while
  a later lot has been drawn from.
*/
package loyalty

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// LotDraw is the number of points taken from one lot.
type LotDraw struct {
	LotID  LotID
	Points int64
}

// SortLotsFIFO orders lots oldest-first in place.
func SortLotsFIFO(lots []PointLot) {
	slices.SortStableFunc(lots, func(a, b PointLot) int {
		if c := a.EarnedAt.Compare(b.EarnedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// PlanConsumption returns which lots would cover n points, oldest-first.
// Only open lots are considered; lots is not modified.
func PlanConsumption(lots []PointLot, n int64) ([]LotDraw, error) {
	ordered := slices.Clone(lots)
	SortLotsFIFO(ordered)

	var draws []LotDraw
	remaining := n
	for _, l := range ordered {
		if remaining == 0 {
			break
		}
		if !l.Status.IsOpen() || l.PointsRemaining == 0 {
			continue
		}
		take := min(remaining, l.PointsRemaining)
		draws = append(draws, LotDraw{LotID: l.ID, Points: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: lots cover %d of %d points", ErrLedgerInconsistent, n-remaining, n)
	}
	return draws, nil
}

// consumeFIFO applies a plan to lots and returns the lots that changed.
func consumeFIFO(lots []PointLot, n int64, now time.Time) ([]PointLot, error) {
	draws, err := PlanConsumption(lots, n)
	if err != nil {
		return nil, err
	}
	byID := make(map[LotID]int, len(lots))
	for i, l := range lots {
		byID[l.ID] = i
	}
	changed := make([]PointLot, 0, len(draws))
	for _, d := range draws {
		l := lots[byID[d.LotID]]
		l.consume(d.Points, now)
		changed = append(changed, l)
	}
	return changed, nil
}
