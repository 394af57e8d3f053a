/*
maintenance.go - Expiration sweep

PURPOSE:
  RunMaintenance is the single authoritative sweep. For every customer with
  work to do it expires due lots (one expire transaction per lot), emits
  PointsExpiring warnings for lots entering the warning window, and
  re-resolves the tier when the program counts expirations against lifetime
  points.

EXECUTION MODEL:
  1. Take the run lock (ErrMaintenanceRunning if another run holds it)
  2. Resume after the saved cursor, if a previous run was interrupted
  3. Page through customers in id order; each customer is one atomic unit
  4. Save the cursor after every customer, clear it when the run completes

RUN LOCK:
  The lock has a TTL so a crashed run does not block the next one forever.
  A live run renews it every lockRenew and again before each cursor save.
  If a renewal finds another owner, the run stops with
  ErrMaintenanceLockLost without touching the cursor.

FAILURES:
  A customer that fails is recorded in the report and the run moves on.
  Cancellation is checked between customers, so a lot is never left half
  expired: its expiry, its transaction and the balance change commit
  together or not at all.

EXACTLY ONCE:
  Expire transactions carry the key "expire:<lot id>", and a warned lot
  records WarningEmittedAt in the same unit that emits the event. Running
  the sweep twice at the same instant changes nothing the second time.
  A lot is either due (expired) or inside the window (warned) in a given
  run, never both.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const maintenanceName = "expiration"

// MaintenanceReport summarizes one RunMaintenance call.
type MaintenanceReport struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	CustomersScanned int
	ExpiredLots      int
	ExpiredPoints    int64
	WarningsEmitted  int
	TierChanges      int
	Failures         []CustomerFailure
	Resumed          bool // started after a cursor left by an interrupted run
	Cancelled        bool // ctx ended before every customer was visited
}

// RunMaintenance sweeps every customer with due or soon-due lots.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	prog := e.programs.Program()
	now := e.clock.Now()
	report := MaintenanceReport{RunID: e.newID(), StartedAt: now}
	log := e.log.WithField("run_id", report.RunID)

	if err := e.store.AcquireRunLock(ctx, maintenanceName, report.RunID, e.lockTTL, now); err != nil {
		return report, err
	}
	parent := ctx
	defer func() {
		if err := e.store.ReleaseRunLock(context.WithoutCancel(parent), maintenanceName, report.RunID); err != nil {
			log.WithError(err).Warn("release maintenance lock")
		}
	}()

	renew := func(rctx context.Context) error {
		err := e.store.AcquireRunLock(rctx, maintenanceName, report.RunID, e.lockTTL, e.clock.Now())
		if errors.Is(err, ErrMaintenanceRunning) {
			return fmt.Errorf("%w: %w", ErrMaintenanceLockLost, err)
		}
		return err
	}
	ctx, cancel := context.WithCancelCause(parent)
	heartbeat := make(chan struct{})
	go e.renewRunLock(ctx, cancel, renew, log, heartbeat)
	defer func() {
		cancel(nil)
		<-heartbeat
	}()

	cursor, err := e.store.LoadCursor(ctx, maintenanceName)
	if err != nil {
		return report, fmt.Errorf("load maintenance cursor: %w", err)
	}
	var after CustomerID
	if cursor != nil {
		after = cursor.LastCustomerID
		report.Resumed = true
		log.WithFields(logrus.Fields{"previous_run": cursor.RunID, "after": after}).Info("resuming maintenance")
	}

	warnUntil := now.Add(prog.WarningWindow)
pages:
	for {
		if ctx.Err() != nil {
			if err := lockLost(ctx); err != nil {
				return report, err
			}
			report.Cancelled = true
			break
		}
		page, err := e.store.CustomersNeedingMaintenance(ctx, now, warnUntil, after, e.pageSize)
		if err != nil {
			return report, fmt.Errorf("list customers after %q: %w", after, err)
		}
		for _, id := range page {
			if ctx.Err() != nil {
				if err := lockLost(ctx); err != nil {
					return report, err
				}
				report.Cancelled = true
				break pages
			}

			out, err := e.maintainCustomer(ctx, prog, id, now)
			report.CustomersScanned++
			if err != nil {
				report.Failures = append(report.Failures, CustomerFailure{CustomerID: id, Err: err})
				log.WithError(err).WithField("customer_id", id).Warn("customer maintenance failed")
			} else {
				report.ExpiredLots += out.expiredLots
				report.ExpiredPoints += out.expiredPoints
				report.WarningsEmitted += out.warnings
				if out.tierChange != nil {
					report.TierChanges++
				}
				e.publish(ctx, log.WithField("customer_id", id), out.events)
			}

			if err := renew(parent); err != nil && parent.Err() == nil {
				return report, fmt.Errorf("renew maintenance lock: %w", err)
			}
			after = id
			err = e.store.SaveCursor(ctx, MaintenanceCursor{
				Name:           maintenanceName,
				RunID:          report.RunID,
				LastCustomerID: id,
				StartedAt:      report.StartedAt,
				UpdatedAt:      e.clock.Now(),
			})
			if err != nil {
				return report, fmt.Errorf("save maintenance cursor: %w", err)
			}
		}
		if len(page) < e.pageSize {
			break
		}
	}

	if !report.Cancelled {
		if err := e.store.ClearCursor(ctx, maintenanceName); err != nil {
			return report, fmt.Errorf("clear maintenance cursor: %w", err)
		}
	}
	report.FinishedAt = e.clock.Now()

	log.WithFields(logrus.Fields{
		"customers":    report.CustomersScanned,
		"expired_lots": report.ExpiredLots,
		"warnings":     report.WarningsEmitted,
		"tier_changes": report.TierChanges,
		"failures":     len(report.Failures),
		"cancelled":    report.Cancelled,
	}).Info("maintenance finished")
	return report, nil
}

// renewRunLock extends the run lock until ctx ends. Losing the lock cancels
// the run with ErrMaintenanceLockLost as cause; other failures are retried
// on the next tick.
func (e *Engine) renewRunLock(ctx context.Context, cancel context.CancelCauseFunc, renew func(context.Context) error, log logrus.FieldLogger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.lockRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := renew(ctx)
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, ErrMaintenanceLockLost):
				log.WithError(err).Error("maintenance lock lost")
				cancel(err)
				return
			default:
				log.WithError(err).Warn("renew maintenance lock")
			}
		}
	}
}

// lockLost returns the cause of a run stopped by a lost lock, nil otherwise.
func lockLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrMaintenanceLockLost) {
		return cause
	}
	return nil
}

func (e *Engine) maintainCustomer(ctx context.Context, prog *Program, id CustomerID, now time.Time) (sweepOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out sweepOutcome
	err := e.inCustomer(ctx, id, func(tx CustomerTx) error {
		out = sweepOutcome{}
		acc, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		lots, err := tx.OpenLots(ctx)
		if err != nil {
			return err
		}
		out, err = e.sweepLots(ctx, tx, prog, acc, lots, now, true)
		if err != nil {
			return err
		}
		if out.expiredLots == 0 {
			return nil
		}
		acc.UpdatedAt = now
		return tx.SaveAccount(ctx, acc)
	})
	return out, err
}

// =============================================================================
// SWEEP - shared by RunMaintenance and lazy expiration
// =============================================================================

type sweepOutcome struct {
	open          []PointLot // lots still spendable after the sweep, oldest first
	events        []Event
	expiredLots   int
	expiredPoints int64
	warnings      int
	tierChange    *TierChangeEvent
}

type expiry struct {
	lot           PointLot
	points        int64
	lifetimeDelta int64
	balanceAfter  int64
}

// sweepLots expires every due lot in lots and, when warn is set, marks lots
// entering the warning window. It updates acc in memory; saving the account
// is left to the caller.
func (e *Engine) sweepLots(ctx context.Context, tx CustomerTx, prog *Program, acc *Account, lots []PointLot, now time.Time, warn bool) (sweepOutcome, error) {
	var (
		out      sweepOutcome
		expiries []expiry
	)
	SortLotsFIFO(lots)

	for _, l := range lots {
		switch {
		case l.IsDue(now):
			forfeited := l.expire(now)
			acc.ActivePoints -= forfeited
			if acc.ActivePoints < 0 {
				return out, fmt.Errorf("%w: expiring lot %s leaves %d active points",
					ErrLedgerInconsistent, l.ID, acc.ActivePoints)
			}
			var lifetimeDelta int64
			if prog.ExpirationReducesLifetime {
				lifetimeDelta = -min(forfeited, acc.LifetimePoints)
				acc.LifetimePoints += lifetimeDelta
			}
			if err := tx.UpdateLot(ctx, l); err != nil {
				return out, err
			}
			expiries = append(expiries, expiry{lot: l, points: forfeited, lifetimeDelta: lifetimeDelta, balanceAfter: acc.ActivePoints})
			out.expiredLots++
			out.expiredPoints += forfeited

		case warn && l.NeedsWarning(now, prog.WarningWindow):
			at := now
			l.WarningEmittedAt = &at
			l.UpdatedAt = now
			if err := tx.UpdateLot(ctx, l); err != nil {
				return out, err
			}
			out.warnings++
			out.events = append(out.events, e.expiringEvent(now, PointsExpiringEvent{
				CustomerID: acc.CustomerID,
				LotID:      l.ID,
				Points:     l.PointsRemaining,
				ExpiresAt:  l.ExpiresAt,
			}))
			out.open = append(out.open, l)

		default:
			out.open = append(out.open, l)
		}
	}
	if len(expiries) == 0 {
		return out, nil
	}

	if prog.ExpirationReducesLifetime {
		out.tierChange = e.retier(prog, acc, now)
	}
	for _, x := range expiries {
		rec := Transaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     acc.CustomerID,
			Type:           TxExpire,
			Points:         -x.points,
			LifetimeDelta:  x.lifetimeDelta,
			LotID:          x.lot.ID,
			IdempotencyKey: expireKey(x.lot.ID),
			Reason:         "lot expired",
			Tier:           acc.Tier,
			BalanceAfter:   x.balanceAfter,
			CreatedAt:      now,
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return out, err
		}
		out.events = append(out.events, e.expiredEvent(now, PointsExpiredEvent{
			CustomerID: acc.CustomerID,
			LotID:      x.lot.ID,
			Points:     x.points,
			NewBalance: x.balanceAfter,
		}))
	}
	if out.tierChange != nil {
		out.events = append(out.events, e.tierEvent(now, *out.tierChange))
	}
	return out, nil
}
