package loyalty_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

var day1 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testProgram: 1 point per unit, 100 points = 1.00, blocks of 10,
// 12 month expiry, 7 day warning, Bronze/Silver/Gold at 0/100/500.
func testProgram() *loyalty.Program {
	return &loyalty.Program{
		EarnRate:              dec("1"),
		PointsPerCurrencyUnit: 100,
		MinRedemptionBlock:    10,
		ExpiryMonths:          12,
		WarningWindow:         7 * 24 * time.Hour,
		ExcludedCategories:    []string{"gift_card"},
		Tiers: []loyalty.Tier{
			{ID: "bronze", Name: "Bronze", MinLifetimePoints: 0, Ordinal: 0, EarnMultiplier: dec("1.0")},
			{ID: "silver", Name: "Silver", MinLifetimePoints: 100, Ordinal: 1, EarnMultiplier: dec("1.25"), RedemptionBonus: dec("0.05")},
			{ID: "gold", Name: "Gold", MinLifetimePoints: 500, Ordinal: 2, EarnMultiplier: dec("1.5"), RedemptionBonus: dec("0.10")},
		},
		Version: "test",
	}
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu        sync.Mutex
	events    []loyalty.Event
	err       error
	onPublish func(loyalty.Event)
}

func (r *recorder) Publish(_ context.Context, events ...loyalty.Event) error {
	r.mu.Lock()
	r.events = append(r.events, events...)
	hook, err := r.onPublish, r.err
	r.mu.Unlock()
	if hook != nil {
		for _, e := range events {
			hook(e)
		}
	}
	return err
}

func (r *recorder) ofKind(kind loyalty.EventKind) []loyalty.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loyalty.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	t       *testing.T
	engine  *loyalty.Engine
	store   *store.Memory
	clock   *loyalty.ManualClock
	events  *recorder
	program *loyalty.StaticProgram
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newHarness(t *testing.T, mutate ...func(*loyalty.Program)) *harness {
	t.Helper()
	p := testProgram()
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, p.Validate())

	log := quietLogger()

	h := &harness{
		t:       t,
		store:   store.NewMemory(),
		clock:   loyalty.NewManualClock(day1),
		events:  &recorder{},
		program: loyalty.NewStaticProgram(p),
	}
	h.engine = loyalty.NewEngine(loyalty.EngineConfig{
		Store:     h.store,
		Program:   h.program,
		Publisher: h.events,
		Clock:     h.clock,
		Logger:    log,
	})
	return h
}

func (h *harness) earn(customer loyalty.CustomerID, order, total string) loyalty.EarnResult {
	h.t.Helper()
	res, err := h.engine.Earn(context.Background(), loyalty.EarnRequest{
		CustomerID: customer,
		OrderID:    order,
		OrderTotal: dec(total),
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) account(customer loyalty.CustomerID) *loyalty.Account {
	h.t.Helper()
	acc, err := h.engine.Account(context.Background(), customer)
	require.NoError(h.t, err)
	return acc
}

func (h *harness) lots(customer loyalty.CustomerID) []loyalty.PointLot {
	h.t.Helper()
	lots, err := h.engine.Lots(context.Background(), customer)
	require.NoError(h.t, err)
	return lots
}

func (h *harness) transactions(customer loyalty.CustomerID) []loyalty.Transaction {
	h.t.Helper()
	txs, err := h.engine.Transactions(context.Background(), customer)
	require.NoError(h.t, err)
	return txs
}

func (h *harness) requireConsistent(customer loyalty.CustomerID) {
	h.t.Helper()
	report, err := h.engine.Audit(context.Background(), customer)
	require.NoError(h.t, err)
	require.True(h.t, report.Consistent(), "drift: %v", report.Drift)
}

// hookedStore wraps the memory store to observe run lock renewals and to
// fail store-level key lookups.
type hookedStore struct {
	*store.Memory
	onLock     func(owner string, err error)
	findKeyErr error
}

func (s *hookedStore) AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	err := s.Memory.AcquireRunLock(ctx, name, owner, ttl, now)
	if s.onLock != nil {
		s.onLock(owner, err)
	}
	return err
}

func (s *hookedStore) FindTransactionByKey(ctx context.Context, id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	if s.findKeyErr != nil {
		return loyalty.Transaction{}, false, s.findKeyErr
	}
	return s.Memory.FindTransactionByKey(ctx, id, key)
}
