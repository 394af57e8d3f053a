package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func TestProgram_Validate(t *testing.T) {
	require.NoError(t, testProgram().Validate())

	tests := map[string]func(*loyalty.Program){
		"zero earn rate":      func(p *loyalty.Program) { p.EarnRate = dec("0") },
		"no redemption rate":  func(p *loyalty.Program) { p.PointsPerCurrencyUnit = 0 },
		"no redemption block": func(p *loyalty.Program) { p.MinRedemptionBlock = 0 },
		"no expiry":           func(p *loyalty.Program) { p.ExpiryMonths = 0 },
		"negative warning":    func(p *loyalty.Program) { p.WarningWindow = -time.Hour },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := testProgram()
			mutate(p)
			assert.ErrorIs(t, p.Validate(), loyalty.ErrInvalidProgram)
		})
	}

	p := testProgram()
	p.Tiers = nil
	assert.ErrorIs(t, p.Validate(), loyalty.ErrInvalidTierConfiguration)
}

func TestProgram_ExpiresAtUsesCalendarMonths(t *testing.T) {
	p := testProgram()
	earned := time.Date(2025, 3, 15, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 15, 8, 30, 0, 0, time.UTC), p.ExpiresAt(earned))
}

func TestProgram_IsExcluded(t *testing.T) {
	p := testProgram()
	assert.True(t, p.IsExcluded("gift_card"))
	assert.False(t, p.IsExcluded("grocery"))
	assert.False(t, p.IsExcluded(""))
}

func TestStaticProgram_Swap(t *testing.T) {
	first := testProgram()
	require.NoError(t, first.Validate())
	src := loyalty.NewStaticProgram(first)

	next := testProgram()
	next.Version = "v2"
	require.NoError(t, src.Swap(next))
	assert.Equal(t, "v2", src.Program().Version)

	broken := testProgram()
	broken.MinRedemptionBlock = -1
	assert.Error(t, src.Swap(broken))
	assert.Equal(t, "v2", src.Program().Version)
}
