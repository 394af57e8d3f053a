// Package storetest is the conformance suite every loyalty.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) loyalty.Store

var base = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("VersionCheck", func(t *testing.T) { testVersionCheck(t, newStore(t)) })
	t.Run("IdempotencyKeys", func(t *testing.T) { testIdempotencyKeys(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("LotsFIFO", func(t *testing.T) { testLots(t, newStore(t)) })
	t.Run("TransactionsInSeqOrder", func(t *testing.T) { testTransactionOrder(t, newStore(t)) })
	t.Run("CustomersNeedingMaintenance", func(t *testing.T) { testMaintenanceScan(t, newStore(t)) })
	t.Run("RunLock", func(t *testing.T) { testRunLock(t, newStore(t)) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, newStore(t)) })
	t.Run("PerCustomerLinearization", func(t *testing.T) { testLinearization(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func account(id loyalty.CustomerID) *loyalty.Account {
	return &loyalty.Account{
		CustomerID:     id,
		Tier:           "bronze",
		TierAnchorDate: base,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func lot(customer loyalty.CustomerID, id loyalty.LotID, points int64, earnedAt time.Time) loyalty.PointLot {
	return loyalty.PointLot{
		ID:              id,
		CustomerID:      customer,
		PointsGranted:   points,
		PointsRemaining: points,
		EarnedAt:        earnedAt,
		ExpiresAt:       earnedAt.AddDate(0, 12, 0),
		Status:          loyalty.LotActive,
		UpdatedAt:       earnedAt,
	}
}

func earnTx(customer loyalty.CustomerID, id string, points int64, key string) *loyalty.Transaction {
	return &loyalty.Transaction{
		ID:             loyalty.TransactionID(id),
		CustomerID:     customer,
		Type:           loyalty.TxEarn,
		Points:         points,
		LifetimeDelta:  points,
		RelatedOrderID: id,
		IdempotencyKey: key,
		Amount:         decimal.RequireFromString("10.50"),
		Tier:           "bronze",
		BalanceAfter:   points,
		CreatedAt:      base,
	}
}

// seed creates an account with the given lots in one unit.
func seed(t *testing.T, s loyalty.Store, id loyalty.CustomerID, lots ...loyalty.PointLot) {
	t.Helper()
	ctx := context.Background()
	err := s.WithCustomer(ctx, id, func(tx loyalty.CustomerTx) error {
		acc := account(id)
		for _, l := range lots {
			if err := tx.InsertLot(ctx, l); err != nil {
				return err
			}
			acc.ActivePoints += l.PointsRemaining
			acc.LifetimePoints += l.PointsGranted
		}
		return tx.SaveAccount(ctx, acc)
	})
	require.NoError(t, err)
}

// =============================================================================
// CASES
// =============================================================================

func testAccountLifecycle(t *testing.T, s loyalty.Store) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "c1")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)

	err = s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		_, err := tx.Account(ctx)
		assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)

		acc := account("c1")
		acc.ActivePoints, acc.LifetimePoints = 120, 120
		require.NoError(t, tx.SaveAccount(ctx, acc))
		assert.Equal(t, int64(1), acc.Version)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.ActivePoints)
	assert.Equal(t, int64(120), got.LifetimePoints)
	assert.Equal(t, loyalty.TierID("bronze"), got.Tier)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.TierAnchorDate.Equal(base))
}

func testVersionCheck(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seed(t, s, "c1")

	// GIVEN a stale copy of the account
	stale, err := s.GetAccount(ctx, "c1")
	require.NoError(t, err)

	// WHEN someone else saves first
	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		acc, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		acc.ActivePoints = 5
		return tx.SaveAccount(ctx, acc)
	}))

	// THEN saving the stale copy is a concurrent modification
	err = s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		return tx.SaveAccount(ctx, stale)
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	// AND creating an account that exists is one too
	err = s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		return tx.SaveAccount(ctx, account("c1"))
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

func testIdempotencyKeys(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seed(t, s, "c1")
	seed(t, s, "c2")

	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		return tx.AppendTransaction(ctx, earnTx("c1", "t1", 10, "earn:ORD-1"))
	}))

	// Duplicate key for the same customer is rejected.
	err := s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		return tx.AppendTransaction(ctx, earnTx("c1", "t2", 10, "earn:ORD-1"))
	})
	assert.ErrorIs(t, err, loyalty.ErrIdempotencyConflict)

	// Same key for another customer is fine.
	require.NoError(t, s.WithCustomer(ctx, "c2", func(tx loyalty.CustomerTx) error {
		return tx.AppendTransaction(ctx, earnTx("c2", "t3", 10, "earn:ORD-1"))
	}))

	// Empty keys are never indexed.
	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		if err := tx.AppendTransaction(ctx, earnTx("c1", "t4", 1, "")); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, earnTx("c1", "t5", 1, ""))
	}))

	found, ok, err := s.FindTransactionByKey(ctx, "c1", "earn:ORD-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loyalty.TransactionID("t1"), found.ID)
	assert.Equal(t, int64(10), found.Points)
	assert.True(t, found.Amount.Equal(decimal.RequireFromString("10.50")))

	_, ok, err = s.FindTransactionByKey(ctx, "c1", "earn:ORD-404")
	require.NoError(t, err)
	assert.False(t, ok)

	// Inside a unit the lookup sees both committed and staged rows.
	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		_, ok, err := tx.FindTransactionByKey(ctx, "earn:ORD-1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, tx.AppendTransaction(ctx, earnTx("c1", "t6", 3, "earn:ORD-2")))
		_, ok, err = tx.FindTransactionByKey(ctx, "earn:ORD-2")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}

func testRollback(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		if err := tx.InsertLot(ctx, lot("c1", "l1", 100, base)); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, earnTx("c1", "t1", 100, "earn:ORD-1")); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, account("c1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAccount(ctx, "c1")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	lots, err := s.ListLots(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, lots)
	txs, err := s.ListTransactions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, txs)
	_, ok, err := s.FindTransactionByKey(ctx, "c1", "earn:ORD-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testLots(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seed(t, s, "c1",
		lot("c1", "l-b", 50, base.AddDate(0, 1, 0)),
		lot("c1", "l-a", 100, base),
		lot("c1", "l-c", 25, base.AddDate(0, 1, 0)),
	)

	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		open, err := tx.OpenLots(ctx)
		require.NoError(t, err)
		require.Len(t, open, 3)
		assert.Equal(t, []loyalty.LotID{"l-a", "l-b", "l-c"}, []loyalty.LotID{open[0].ID, open[1].ID, open[2].ID})

		first := open[0]
		first.PointsRemaining = 0
		first.Status = loyalty.LotConsumed
		require.NoError(t, tx.UpdateLot(ctx, first))

		second := open[1]
		second.PointsRemaining = 20
		second.Status = loyalty.LotPartiallyConsumed
		warned := base.Add(time.Hour)
		second.WarningEmittedAt = &warned
		return tx.UpdateLot(ctx, second)
	}))

	all, err := s.ListLots(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, loyalty.LotConsumed, all[0].Status)
	assert.Equal(t, int64(0), all[0].PointsRemaining)
	assert.Equal(t, loyalty.LotPartiallyConsumed, all[1].Status)
	assert.Equal(t, int64(20), all[1].PointsRemaining)
	assert.Equal(t, int64(50), all[1].PointsGranted)
	require.NotNil(t, all[1].WarningEmittedAt)
	assert.True(t, all[1].WarningEmittedAt.Equal(base.Add(time.Hour)))
	assert.Nil(t, all[2].WarningEmittedAt)
	assert.True(t, all[2].ExpiresAt.Equal(base.AddDate(0, 13, 0)))

	require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
		open, err := tx.OpenLots(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 2)
		return nil
	}))
}

func testTransactionOrder(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seed(t, s, "c1")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
			rec := earnTx("c1", fmt.Sprintf("t%d", i), int64(i+1), fmt.Sprintf("earn:ORD-%d", i))
			if err := tx.AppendTransaction(ctx, rec); err != nil {
				return err
			}
			assert.NotZero(t, rec.Seq)
			return nil
		}))
	}

	txs, err := s.ListTransactions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i := 1; i < len(txs); i++ {
		assert.Greater(t, txs[i].Seq, txs[i-1].Seq)
	}
	assert.Equal(t, loyalty.TransactionID("t0"), txs[0].ID)
	assert.Equal(t, loyalty.TransactionID("t2"), txs[2].ID)
}

func testMaintenanceScan(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	now := base.AddDate(1, 0, 0)
	warnUntil := now.AddDate(0, 0, 30)

	due := lot("a-due", "l1", 10, base) // expires exactly at now
	soon := lot("b-soon", "l2", 10, base.AddDate(0, 0, 10))
	warned := lot("c-warned", "l3", 10, base.AddDate(0, 0, 10))
	at := now
	warned.WarningEmittedAt = &at
	later := lot("d-later", "l4", 10, base.AddDate(0, 3, 0))
	consumed := lot("e-consumed", "l5", 10, base)
	consumed.PointsRemaining = 0
	consumed.Status = loyalty.LotConsumed

	seed(t, s, "a-due", due)
	seed(t, s, "b-soon", soon)
	seed(t, s, "c-warned", warned)
	seed(t, s, "d-later", later)
	seed(t, s, "e-consumed", consumed)

	ids, err := s.CustomersNeedingMaintenance(ctx, now, warnUntil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.CustomerID{"a-due", "b-soon"}, ids)

	ids, err = s.CustomersNeedingMaintenance(ctx, now, warnUntil, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.CustomerID{"a-due"}, ids)

	ids, err = s.CustomersNeedingMaintenance(ctx, now, warnUntil, "a-due", 10)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.CustomerID{"b-soon"}, ids)
}

func testRunLock(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	ttl := 10 * time.Minute

	require.NoError(t, s.AcquireRunLock(ctx, "expiration", "run-1", ttl, base))

	err := s.AcquireRunLock(ctx, "expiration", "run-2", ttl, base.Add(time.Minute))
	assert.ErrorIs(t, err, loyalty.ErrMaintenanceRunning)

	// Other lock names are independent.
	require.NoError(t, s.AcquireRunLock(ctx, "other", "run-2", ttl, base))

	// An expired lock can be taken over.
	require.NoError(t, s.AcquireRunLock(ctx, "expiration", "run-2", ttl, base.Add(ttl+time.Second)))

	// Releasing someone else's lock does nothing.
	require.NoError(t, s.ReleaseRunLock(ctx, "expiration", "run-1"))
	err = s.AcquireRunLock(ctx, "expiration", "run-3", ttl, base.Add(ttl+2*time.Second))
	assert.ErrorIs(t, err, loyalty.ErrMaintenanceRunning)

	require.NoError(t, s.ReleaseRunLock(ctx, "expiration", "run-2"))
	require.NoError(t, s.AcquireRunLock(ctx, "expiration", "run-3", ttl, base.Add(ttl+2*time.Second)))
}

func testCursor(t *testing.T, s loyalty.Store) {
	ctx := context.Background()

	c, err := s.LoadCursor(ctx, "expiration")
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, s.SaveCursor(ctx, loyalty.MaintenanceCursor{
		Name: "expiration", RunID: "run-1", LastCustomerID: "c1", StartedAt: base, UpdatedAt: base,
	}))
	require.NoError(t, s.SaveCursor(ctx, loyalty.MaintenanceCursor{
		Name: "expiration", RunID: "run-1", LastCustomerID: "c2", StartedAt: base, UpdatedAt: base.Add(time.Second),
	}))

	c, err = s.LoadCursor(ctx, "expiration")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "run-1", c.RunID)
	assert.Equal(t, loyalty.CustomerID("c2"), c.LastCustomerID)
	assert.True(t, c.StartedAt.Equal(base))

	require.NoError(t, s.ClearCursor(ctx, "expiration"))
	c, err = s.LoadCursor(ctx, "expiration")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func testLinearization(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seed(t, s, "c1")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for iter := 0; iter < workers; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithCustomer(ctx, "c1", func(tx loyalty.CustomerTx) error {
				acc, err := tx.Account(ctx)
				if err != nil {
					return err
				}
				acc.ActivePoints++
				return tx.SaveAccount(ctx, acc)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	acc, err := s.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), acc.ActivePoints)
	assert.Equal(t, int64(workers+1), acc.Version)
}
