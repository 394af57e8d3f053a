package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

const programYAML = `
version: spring
earn_rate: 1.5
points_per_currency_unit: 100
min_redemption_block: 50
expiry_months: 6
warning_days: 10
excluded_categories: [gift_card, tobacco]
tiers:
  - id: member
    min_lifetime_points: 0
  - id: vip
    name: VIP
    min_lifetime_points: 2000
    earn_multiplier: 2
    redemption_bonus: 0.1
`

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestProgramWatcher_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.yaml")
	writeFile(t, path, programYAML)

	w, err := NewProgramWatcher(path, quietLogger())
	require.NoError(t, err)

	p := w.Program()
	assert.Equal(t, "spring", p.Version)
	assert.Equal(t, "1.5", p.EarnRate.String())
	assert.Equal(t, int64(50), p.MinRedemptionBlock)
	assert.Equal(t, 6, p.ExpiryMonths)
	assert.True(t, p.IsExcluded("tobacco"))
	require.Len(t, p.Tiers, 2)
	assert.Equal(t, "VIP", p.Tiers[1].Name)
	assert.Equal(t, "2", p.Tiers[1].EarnMultiplier.String())
}

func TestProgramWatcher_InvalidInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.yaml")
	writeFile(t, path, "earn_rate: 1\ntiers: []\n")

	_, err := NewProgramWatcher(path, quietLogger())
	assert.ErrorIs(t, err, loyalty.ErrInvalidTierConfiguration)
}

func TestProgramWatcher_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.yaml")
	writeFile(t, path, programYAML)
	w, err := NewProgramWatcher(path, quietLogger())
	require.NoError(t, err)

	var seen []string
	w.OnChange(func(p *loyalty.Program) { seen = append(seen, p.Version) })

	// WHEN the file is replaced with a broken tier table
	writeFile(t, path, "version: broken\nearn_rate: 1\ntiers:\n  - id: a\n    min_lifetime_points: 10\n")
	err = w.Reload()

	// THEN the reload is rejected and the old program stays
	assert.ErrorIs(t, err, loyalty.ErrInvalidTierConfiguration)
	assert.Equal(t, "spring", w.Program().Version)

	// WHEN a valid file arrives
	writeFile(t, path, "version: summer\nearn_rate: 3\ntiers:\n  - id: a\n    min_lifetime_points: 0\n")
	require.NoError(t, w.Reload())

	// THEN it takes effect
	assert.Equal(t, "summer", w.Program().Version)
	assert.Equal(t, []string{"summer"}, seen)
}

func TestProgramWatcher_Swap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.json")
	writeFile(t, path, `{"version":"file","earn_rate":"1","tiers":[{"id":"a","min_lifetime_points":0}]}`)
	w, err := NewProgramWatcher(path, quietLogger())
	require.NoError(t, err)

	next := *w.Program()
	next.Version = "admin"
	require.NoError(t, w.Swap(&next))
	assert.Equal(t, "admin", w.Program().Version)

	bad := next
	bad.ExpiryMonths = 0
	assert.ErrorIs(t, w.Swap(&bad), loyalty.ErrInvalidProgram)
	assert.Equal(t, "admin", w.Program().Version)
}
