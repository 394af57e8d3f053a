package loyalty

import (
	"context"
	"fmt"
)

// Replay folds a customer's ledger, in Seq order, into active and lifetime
// point totals.
func Replay(txs []Transaction) (active, lifetime int64) {
	for _, t := range txs {
		active += t.Points
		lifetime += t.LifetimeDelta
	}
	return active, lifetime
}

// AuditReport compares the three independent views of a balance: the
// account row, the replayed ledger and the open lot remainders.
type AuditReport struct {
	CustomerID       CustomerID
	Account          Account
	ReplayedActive   int64
	ReplayedLifetime int64
	LotRemaining     int64
	Transactions     int
	Drift            []string
}

// Consistent reports whether the audit found no drift.
func (r AuditReport) Consistent() bool { return len(r.Drift) == 0 }

// Audit replays a customer's ledger and reports any drift.
func (e *Engine) Audit(ctx context.Context, customerID CustomerID) (AuditReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	acc, err := e.store.GetAccount(ctx, customerID)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := e.store.ListTransactions(ctx, customerID)
	if err != nil {
		return AuditReport{}, err
	}
	lots, err := e.store.ListLots(ctx, customerID)
	if err != nil {
		return AuditReport{}, err
	}

	r := AuditReport{CustomerID: customerID, Account: *acc, Transactions: len(txs)}
	r.ReplayedActive, r.ReplayedLifetime = Replay(txs)
	for _, l := range lots {
		if l.Status.IsOpen() {
			r.LotRemaining += l.PointsRemaining
		}
	}

	var running int64
	for _, t := range txs {
		running += t.Points
		if running < 0 {
			r.Drift = append(r.Drift, fmt.Sprintf("transaction %s drives the balance to %d", t.ID, running))
		}
		if running != t.BalanceAfter {
			r.Drift = append(r.Drift, fmt.Sprintf("transaction %s records balance %d, replay gives %d", t.ID, t.BalanceAfter, running))
		}
	}
	if r.ReplayedActive != acc.ActivePoints {
		r.Drift = append(r.Drift, fmt.Sprintf("account active %d, replay gives %d", acc.ActivePoints, r.ReplayedActive))
	}
	if r.ReplayedLifetime != acc.LifetimePoints {
		r.Drift = append(r.Drift, fmt.Sprintf("account lifetime %d, replay gives %d", acc.LifetimePoints, r.ReplayedLifetime))
	}
	if r.LotRemaining != acc.ActivePoints {
		r.Drift = append(r.Drift, fmt.Sprintf("account active %d, open lots hold %d", acc.ActivePoints, r.LotRemaining))
	}

	if !r.Consistent() {
		e.log.WithField("customer_id", customerID).WithField("drift", len(r.Drift)).Error("ledger audit found drift")
	}
	return r, nil
}
