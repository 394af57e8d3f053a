package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func lot(id string, earnedDay, remaining int64, status loyalty.LotStatus) loyalty.PointLot {
	earned := day1.AddDate(0, 0, int(earnedDay))
	return loyalty.PointLot{
		ID:              loyalty.LotID(id),
		PointsGranted:   remaining,
		PointsRemaining: remaining,
		EarnedAt:        earned,
		ExpiresAt:       earned.AddDate(1, 0, 0),
		Status:          status,
	}
}

func TestPlanConsumption_OldestFirst(t *testing.T) {
	// GIVEN lots passed in newest-first order
	lots := []loyalty.PointLot{
		lot("b", 10, 80, loyalty.LotActive),
		lot("a", 1, 50, loyalty.LotActive),
	}

	// WHEN 70 points are planned
	draws, err := loyalty.PlanConsumption(lots, 70)

	// THEN the oldest lot is drained before the next one is touched
	require.NoError(t, err)
	assert.Equal(t, []loyalty.LotDraw{{LotID: "a", Points: 50}, {LotID: "b", Points: 20}}, draws)

	// AND the input is left untouched
	assert.Equal(t, loyalty.LotID("b"), lots[0].ID)
	assert.Equal(t, int64(50), lots[1].PointsRemaining)
}

func TestPlanConsumption_SkipsClosedLotsAndBreaksTiesByID(t *testing.T) {
	lots := []loyalty.PointLot{
		lot("z", 1, 30, loyalty.LotActive),
		lot("y", 1, 30, loyalty.LotActive),
		lot("x", 0, 99, loyalty.LotExpired),
		lot("w", 0, 0, loyalty.LotConsumed),
	}

	draws, err := loyalty.PlanConsumption(lots, 40)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.LotDraw{{LotID: "y", Points: 30}, {LotID: "z", Points: 10}}, draws)
}

func TestPlanConsumption_NotEnoughInLots(t *testing.T) {
	lots := []loyalty.PointLot{lot("a", 0, 20, loyalty.LotActive)}

	_, err := loyalty.PlanConsumption(lots, 30)
	assert.ErrorIs(t, err, loyalty.ErrLedgerInconsistent)
}

func TestPointLot_DueAndWarningWindows(t *testing.T) {
	l := lot("a", 0, 10, loyalty.LotActive)
	week := 7 * 24 * time.Hour

	assert.False(t, l.IsDue(l.ExpiresAt.Add(-time.Second)))
	assert.True(t, l.IsDue(l.ExpiresAt))

	assert.False(t, l.NeedsWarning(l.ExpiresAt.AddDate(0, 0, -8), week))
	assert.True(t, l.NeedsWarning(l.ExpiresAt.AddDate(0, 0, -7), week))
	assert.True(t, l.NeedsWarning(l.ExpiresAt.Add(-time.Minute), week))
	assert.False(t, l.NeedsWarning(l.ExpiresAt, week), "due lots are expired, not warned")
	assert.False(t, l.NeedsWarning(l.ExpiresAt.AddDate(0, 0, -3), 0))

	warned := l.ExpiresAt.AddDate(0, 0, -7)
	l.WarningEmittedAt = &warned
	assert.False(t, l.NeedsWarning(l.ExpiresAt.AddDate(0, 0, -3), week))

	l.Status = loyalty.LotConsumed
	assert.False(t, l.IsDue(l.ExpiresAt.AddDate(0, 0, 1)))
}
