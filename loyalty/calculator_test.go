package loyalty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func TestComputeEarnedPoints(t *testing.T) {
	p := testProgram()
	require.NoError(t, p.Validate())
	bronze, _ := p.TierByID("bronze")
	silver, _ := p.TierByID("silver")
	gold, _ := p.TierByID("gold")

	tests := []struct {
		name  string
		total string
		items []loyalty.LineItem
		tier  loyalty.Tier
		want  int64
	}{
		{"whole amount", "120.00", nil, bronze, 120},
		{"fraction floors", "19.99", nil, bronze, 19},
		{"silver multiplier", "10.00", nil, silver, 12},
		{"gold multiplier", "33.00", nil, gold, 49},
		{
			name:  "excluded line items are removed",
			total: "100.00",
			items: []loyalty.LineItem{
				{Category: "gift_card", Quantity: 2, UnitPrice: dec("15.00")},
				{Category: "books", Quantity: 1, UnitPrice: dec("70.00")},
			},
			tier: bronze,
			want: 70,
		},
		{
			name:  "exclusions never go below zero",
			total: "10.00",
			items: []loyalty.LineItem{{Category: "gift_card", Quantity: 1, UnitPrice: dec("50.00")}},
			tier:  gold,
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loyalty.ComputeEarnedPoints(p, dec(tt.total), tt.items, tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := loyalty.ComputeEarnedPoints(p, dec("0"), nil, bronze)
	assert.ErrorIs(t, err, loyalty.ErrInvalidOrderAmount)
}

func TestComputeRedemptionValue(t *testing.T) {
	p := testProgram()
	require.NoError(t, p.Validate())
	bronze, _ := p.TierByID("bronze")
	silver, _ := p.TierByID("silver")
	gold, _ := p.TierByID("gold")

	tests := []struct {
		points int64
		tier   loyalty.Tier
		want   string
	}{
		{100, bronze, "1.00"},
		{70, bronze, "0.70"},
		{70, silver, "0.73"},
		{250, gold, "2.75"},
		{10, silver, "0.10"},
	}
	for _, tt := range tests {
		got, err := loyalty.ComputeRedemptionValue(p, tt.points, tt.tier)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(tt.want)), "%d pts at %s: got %s want %s", tt.points, tt.tier.ID, got, tt.want)
	}
}

func TestValidateRedemption(t *testing.T) {
	p := testProgram()

	assert.NoError(t, loyalty.ValidateRedemption(p, 10))
	assert.NoError(t, loyalty.ValidateRedemption(p, 1000))
	for _, bad := range []int64{0, -10, 5, 101} {
		assert.ErrorIs(t, loyalty.ValidateRedemption(p, bad), loyalty.ErrInvalidRedemptionAmount, "points=%d", bad)
	}
}
