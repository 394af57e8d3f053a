/*
engine.go - Ledger engine

PURPOSE:
  The only place allowed to change a customer's balance. Every operation
  follows the same shape:

    1. Validate the request (no store access on failure)
    2. Snapshot the current Program
    3. Inside Store.WithCustomer: replay check, load, compute, write
    4. After commit: publish events (failures logged, never returned)

IDEMPOTENCY:
  Earn is keyed by order id, Redeem and Adjust by an optional caller key.
  Keys live in separate namespaces ("earn:", "redeem:", "adjust:") so a
  caller key can never collide with an order id. A call whose key is already
  recorded returns the recorded result with Replayed=true and publishes
  nothing.

TIMEOUTS:
  Each operation runs under OperationTimeout. A timeout is an unknown
  outcome: retrying Earn is always safe, retrying Redeem is safe only with an
  idempotency key.

LAZY EXPIRATION:
  Redeem and debit adjustments first expire the customer's due lots in the
  same atomic unit, using the code path of RunMaintenance, so a lot past its
  expiry can never be spent while it waits for the next sweep.

SEE ALSO:
  - maintenance.go: Expiration sweep
  - replay.go: Audit
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOperationTimeout    = 3 * time.Second
	DefaultMaxConflictRetries  = 3
	DefaultMaintenancePageSize = 200
	DefaultMaintenanceLockTTL  = 30 * time.Minute
)

// EngineConfig wires an Engine. Store and Program are required.
type EngineConfig struct {
	Store     Store
	Program   ProgramSource
	Publisher Publisher
	Clock     Clock
	Logger    logrus.FieldLogger

	OperationTimeout    time.Duration
	MaxConflictRetries  int
	MaintenancePageSize int
	MaintenanceLockTTL  time.Duration

	// MaintenanceLockRenew is how often a running sweep extends its lock.
	// Defaults to a third of MaintenanceLockTTL.
	MaintenanceLockRenew time.Duration

	// NewID generates lot, transaction, event and run ids. Defaults to UUIDv4.
	NewID func() string
}

// Engine executes ledger operations.
type Engine struct {
	store     Store
	programs  ProgramSource
	publisher Publisher
	clock     Clock
	log       logrus.FieldLogger
	newID     func() string

	timeout  time.Duration
	retries  int
	pageSize  int
	lockTTL   time.Duration
	lockRenew time.Duration
}

// NewEngine creates an engine, filling unset optional fields with defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Store == nil {
		panic("loyalty: EngineConfig.Store is required")
	}
	if cfg.Program == nil {
		panic("loyalty: EngineConfig.Program is required")
	}
	e := &Engine{
		store:     cfg.Store,
		programs:  cfg.Program,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		newID:     cfg.NewID,
		timeout:   cfg.OperationTimeout,
		retries:   cfg.MaxConflictRetries,
		pageSize:  cfg.MaintenancePageSize,
		lockTTL:   cfg.MaintenanceLockTTL,
		lockRenew: cfg.MaintenanceLockRenew,
	}
	if e.publisher == nil {
		e.publisher = DiscardPublisher{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.timeout <= 0 {
		e.timeout = DefaultOperationTimeout
	}
	if e.retries <= 0 {
		e.retries = DefaultMaxConflictRetries
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultMaintenancePageSize
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultMaintenanceLockTTL
	}
	if e.lockRenew <= 0 {
		e.lockRenew = e.lockTTL / 3
	}
	return e
}

// Program returns the program snapshot operations currently run against.
func (e *Engine) Program() *Program { return e.programs.Program() }

// =============================================================================
// EARN
// =============================================================================

type EarnRequest struct {
	CustomerID CustomerID
	OrderID    string
	OrderTotal decimal.Decimal
	LineItems  []LineItem
}

type EarnResult struct {
	TransactionID TransactionID
	Earned        PointsEarnedEvent
	TierChange    *TierChangeEvent // nil when the tier did not move, and on replay
	Replayed      bool
}

// Earn awards points for an order. Earning the same order twice returns the
// first result.
func (e *Engine) Earn(ctx context.Context, req EarnRequest) (EarnResult, error) {
	if req.CustomerID == "" {
		return EarnResult{}, invalidRequest("customer id is required")
	}
	if req.OrderID == "" {
		return EarnResult{}, invalidRequest("order id is required")
	}
	if !req.OrderTotal.IsPositive() {
		return EarnResult{}, fmt.Errorf("%w: order total %s must be positive", ErrInvalidOrderAmount, req.OrderTotal)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prog := e.programs.Program()
	key := earnKey(req.OrderID)
	log := e.log.WithFields(logrus.Fields{"customer_id": req.CustomerID, "order_id": req.OrderID})

	if prior, found, err := e.store.FindTransactionByKey(ctx, req.CustomerID, key); err == nil && found {
		log.Debug("earn replayed")
		return earnReplay(prior), nil
	}

	var (
		res    EarnResult
		events []Event
	)
	err := e.inCustomer(ctx, req.CustomerID, func(tx CustomerTx) error {
		res, events = EarnResult{}, nil
		now := e.clock.Now()

		prior, found, err := tx.FindTransactionByKey(ctx, key)
		if err != nil {
			return err
		}
		if found {
			res = earnReplay(prior)
			return nil
		}

		acc, err := tx.Account(ctx)
		if errors.Is(err, ErrAccountNotFound) {
			acc = newAccount(req.CustomerID, prog, now)
		} else if err != nil {
			return err
		}

		points, err := ComputeEarnedPoints(prog, req.OrderTotal, req.LineItems, prog.currentTier(acc))
		if err != nil {
			return err
		}

		var lotID LotID
		if points > 0 {
			lot := PointLot{
				ID:              LotID(e.newID()),
				CustomerID:      req.CustomerID,
				PointsGranted:   points,
				PointsRemaining: points,
				EarnedAt:        now,
				ExpiresAt:       prog.ExpiresAt(now),
				SourceOrderID:   req.OrderID,
				Status:          LotActive,
				UpdatedAt:       now,
			}
			if err := tx.InsertLot(ctx, lot); err != nil {
				return err
			}
			lotID = lot.ID
		}

		acc.ActivePoints += points
		acc.LifetimePoints += points
		change := e.retier(prog, acc, now)

		rec := Transaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     req.CustomerID,
			Type:           TxEarn,
			Points:         points,
			LifetimeDelta:  points,
			RelatedOrderID: req.OrderID,
			LotID:          lotID,
			IdempotencyKey: key,
			Amount:         req.OrderTotal,
			Tier:           acc.Tier,
			BalanceAfter:   acc.ActivePoints,
			CreatedAt:      now,
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		acc.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}

		res.TransactionID = rec.ID
		res.Earned = PointsEarnedEvent{
			CustomerID: req.CustomerID,
			Points:     points,
			OrderID:    req.OrderID,
			NewBalance: acc.ActivePoints,
			Tier:       acc.Tier,
		}
		events = append(events, e.earnedEvent(now, res.Earned))
		if change != nil {
			res.TierChange = change
			events = append(events, e.tierEvent(now, *change))
		}
		return nil
	})

	// Another process recorded the same order between our lookup and commit.
	if errors.Is(err, ErrIdempotencyConflict) {
		if prior, found, ferr := e.store.FindTransactionByKey(ctx, req.CustomerID, key); ferr == nil && found {
			log.Debug("earn replayed after conflict")
			return earnReplay(prior), nil
		}
	}
	if err != nil {
		log.WithError(err).Error("earn failed")
		return EarnResult{}, err
	}
	if res.Replayed {
		log.Debug("earn replayed")
		return res, nil
	}

	log.WithFields(logrus.Fields{"points": res.Earned.Points, "balance": res.Earned.NewBalance}).Info("points earned")
	e.publish(ctx, log, events)
	return res, nil
}

func earnReplay(t Transaction) EarnResult {
	return EarnResult{
		TransactionID: t.ID,
		Earned: PointsEarnedEvent{
			CustomerID: t.CustomerID,
			Points:     t.Points,
			OrderID:    t.RelatedOrderID,
			NewBalance: t.BalanceAfter,
			Tier:       t.Tier,
		},
		Replayed: true,
	}
}

// =============================================================================
// REDEEM
// =============================================================================

type RedeemRequest struct {
	CustomerID     CustomerID
	Points         int64
	IdempotencyKey string // optional; makes a retry safe
}

type RedeemResult struct {
	TransactionID TransactionID
	Redeemed      PointsRedeemedEvent
	Discount      decimal.Decimal
	Replayed      bool
}

// Redeem spends active points, oldest lots first, and returns the discount.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	if req.CustomerID == "" {
		return RedeemResult{}, invalidRequest("customer id is required")
	}
	prog := e.programs.Program()
	if err := ValidateRedemption(prog, req.Points); err != nil {
		return RedeemResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	log := e.log.WithFields(logrus.Fields{"customer_id": req.CustomerID, "points": req.Points})
	key := ""
	if req.IdempotencyKey != "" {
		key = redeemKey(req.IdempotencyKey)
		if prior, found, err := e.store.FindTransactionByKey(ctx, req.CustomerID, key); err == nil && found {
			return redeemReplay(prior, req.Points)
		}
	}

	var (
		res       RedeemResult
		replayErr error
		events    []Event
	)
	err := e.inCustomer(ctx, req.CustomerID, func(tx CustomerTx) error {
		res, replayErr, events = RedeemResult{}, nil, nil
		now := e.clock.Now()

		if key != "" {
			prior, found, err := tx.FindTransactionByKey(ctx, key)
			if err != nil {
				return err
			}
			if found {
				res, replayErr = redeemReplay(prior, req.Points)
				res.Replayed = true
				return nil
			}
		}

		acc, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		lots, err := tx.OpenLots(ctx)
		if err != nil {
			return err
		}
		sweep, err := e.sweepLots(ctx, tx, prog, acc, lots, now, false)
		if err != nil {
			return err
		}
		events = append(events, sweep.events...)

		if acc.ActivePoints < req.Points {
			return &InsufficientPointsError{CustomerID: req.CustomerID, Available: acc.ActivePoints, Requested: req.Points}
		}

		discount, err := ComputeRedemptionValue(prog, req.Points, prog.currentTier(acc))
		if err != nil {
			return err
		}
		changed, err := consumeFIFO(sweep.open, req.Points, now)
		if err != nil {
			return err
		}
		for _, l := range changed {
			if err := tx.UpdateLot(ctx, l); err != nil {
				return err
			}
		}

		acc.ActivePoints -= req.Points
		rec := Transaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     req.CustomerID,
			Type:           TxRedeem,
			Points:         -req.Points,
			IdempotencyKey: key,
			Amount:         discount,
			Tier:           acc.Tier,
			BalanceAfter:   acc.ActivePoints,
			CreatedAt:      now,
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		acc.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}

		res.TransactionID = rec.ID
		res.Discount = discount
		res.Redeemed = PointsRedeemedEvent{
			CustomerID:     req.CustomerID,
			Points:         req.Points,
			DiscountAmount: discount,
			NewBalance:     acc.ActivePoints,
		}
		events = append(events, e.redeemedEvent(now, res.Redeemed))
		return nil
	})

	if err == nil && res.Replayed {
		if replayErr != nil {
			return RedeemResult{}, replayErr
		}
		return res, nil
	}
	if key != "" && errors.Is(err, ErrIdempotencyConflict) {
		prior, found, ferr := e.store.FindTransactionByKey(ctx, req.CustomerID, key)
		if ferr != nil {
			return RedeemResult{}, ferr
		}
		if found {
			return redeemReplay(prior, req.Points)
		}
	}
	if err != nil {
		if IsClientError(err) || IsNotFound(err) {
			log.WithError(err).Info("redeem rejected")
		} else {
			log.WithError(err).Error("redeem failed")
		}
		return RedeemResult{}, err
	}

	log.WithFields(logrus.Fields{"discount": res.Discount.StringFixed(2), "balance": res.Redeemed.NewBalance}).Info("points redeemed")
	e.publish(ctx, log, events)
	return res, nil
}

// redeemReplay answers a repeated key. Reusing a key for a different amount
// is a client error.
func redeemReplay(t Transaction, requested int64) (RedeemResult, error) {
	if t.Type != TxRedeem || -t.Points != requested {
		return RedeemResult{}, invalidRequest("idempotency key already used for a different request")
	}
	return RedeemResult{
		TransactionID: t.ID,
		Redeemed: PointsRedeemedEvent{
			CustomerID:     t.CustomerID,
			Points:         -t.Points,
			DiscountAmount: t.Amount,
			NewBalance:     t.BalanceAfter,
		},
		Discount: t.Amount,
		Replayed: true,
	}, nil
}

// =============================================================================
// ADJUST
// =============================================================================

type AdjustRequest struct {
	CustomerID     CustomerID
	Delta          int64
	Reason         string
	IdempotencyKey string

	// RevokeLifetime also removes the debited points from lifetime points
	// (fraud clawback). It can downgrade the tier. Only valid with Delta < 0.
	RevokeLifetime bool
}

type AdjustResult struct {
	Transaction Transaction
	Account     Account
	TierChange  *TierChangeEvent
	Replayed    bool
}

// Adjust applies an administrative correction. Credits create a new lot and
// count toward lifetime points; debits consume lots oldest first.
func (e *Engine) Adjust(ctx context.Context, req AdjustRequest) (AdjustResult, error) {
	switch {
	case req.CustomerID == "":
		return AdjustResult{}, invalidRequest("customer id is required")
	case req.Delta == 0:
		return AdjustResult{}, invalidRequest("adjustment delta must not be zero")
	case req.Reason == "":
		return AdjustResult{}, invalidRequest("adjustment reason is required")
	case req.RevokeLifetime && req.Delta > 0:
		return AdjustResult{}, invalidRequest("lifetime revocation requires a negative delta")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prog := e.programs.Program()
	log := e.log.WithFields(logrus.Fields{"customer_id": req.CustomerID, "delta": req.Delta, "reason": req.Reason})
	key := ""
	if req.IdempotencyKey != "" {
		key = adjustKey(req.IdempotencyKey)
	}

	var (
		res    AdjustResult
		events []Event
	)
	err := e.inCustomer(ctx, req.CustomerID, func(tx CustomerTx) error {
		res, events = AdjustResult{}, nil
		now := e.clock.Now()

		acc, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if key != "" {
			prior, found, err := tx.FindTransactionByKey(ctx, key)
			if err != nil {
				return err
			}
			if found {
				if prior.Type != TxAdjust || prior.Points != req.Delta {
					return invalidRequest("idempotency key already used for a different request")
				}
				res = AdjustResult{Transaction: prior, Account: *acc, Replayed: true}
				return nil
			}
		}

		rec := Transaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     req.CustomerID,
			Type:           TxAdjust,
			Points:         req.Delta,
			IdempotencyKey: key,
			Reason:         req.Reason,
			CreatedAt:      now,
		}

		if req.Delta > 0 {
			lot := PointLot{
				ID:              LotID(e.newID()),
				CustomerID:      req.CustomerID,
				PointsGranted:   req.Delta,
				PointsRemaining: req.Delta,
				EarnedAt:        now,
				ExpiresAt:       prog.ExpiresAt(now),
				Status:          LotActive,
				UpdatedAt:       now,
			}
			if err := tx.InsertLot(ctx, lot); err != nil {
				return err
			}
			acc.ActivePoints += req.Delta
			acc.LifetimePoints += req.Delta
			rec.LotID = lot.ID
			rec.LifetimeDelta = req.Delta
		} else {
			debit := -req.Delta
			lots, err := tx.OpenLots(ctx)
			if err != nil {
				return err
			}
			sweep, err := e.sweepLots(ctx, tx, prog, acc, lots, now, false)
			if err != nil {
				return err
			}
			events = append(events, sweep.events...)

			if acc.ActivePoints < debit {
				return &InsufficientPointsError{CustomerID: req.CustomerID, Available: acc.ActivePoints, Requested: debit}
			}
			changed, err := consumeFIFO(sweep.open, debit, now)
			if err != nil {
				return err
			}
			for _, l := range changed {
				if err := tx.UpdateLot(ctx, l); err != nil {
					return err
				}
			}
			acc.ActivePoints -= debit
			if req.RevokeLifetime {
				revoked := min(debit, acc.LifetimePoints)
				acc.LifetimePoints -= revoked
				rec.LifetimeDelta = -revoked
			}
		}

		change := e.retier(prog, acc, now)
		rec.Tier = acc.Tier
		rec.BalanceAfter = acc.ActivePoints
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		acc.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}

		res.Transaction = rec
		res.Account = *acc
		if change != nil {
			res.TierChange = change
			events = append(events, e.tierEvent(now, *change))
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("adjustment failed")
		return AdjustResult{}, err
	}
	if res.Replayed {
		return res, nil
	}

	log.WithField("balance", res.Account.ActivePoints).Info("points adjusted")
	e.publish(ctx, log, events)
	return res, nil
}

// =============================================================================
// READS
// =============================================================================

// RedemptionQuote is what a customer would get for redeeming Points now.
type RedemptionQuote struct {
	Points     int64
	Discount   decimal.Decimal
	Tier       TierID
	Available  int64
	Sufficient bool
}

// QuoteRedemption prices a redemption without writing anything. Available
// excludes lots that are due but not yet swept.
func (e *Engine) QuoteRedemption(ctx context.Context, customerID CustomerID, points int64) (RedemptionQuote, error) {
	prog := e.programs.Program()
	if err := ValidateRedemption(prog, points); err != nil {
		return RedemptionQuote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	acc, err := e.store.GetAccount(ctx, customerID)
	if err != nil {
		return RedemptionQuote{}, err
	}
	lots, err := e.store.ListLots(ctx, customerID)
	if err != nil {
		return RedemptionQuote{}, err
	}
	now := e.clock.Now()
	var available int64
	for _, l := range lots {
		if l.Status.IsOpen() && !l.IsDue(now) {
			available += l.PointsRemaining
		}
	}

	tier := prog.currentTier(acc)
	discount, err := ComputeRedemptionValue(prog, points, tier)
	if err != nil {
		return RedemptionQuote{}, err
	}
	return RedemptionQuote{
		Points:     points,
		Discount:   discount,
		Tier:       tier.ID,
		Available:  available,
		Sufficient: available >= points,
	}, nil
}

func (e *Engine) Account(ctx context.Context, customerID CustomerID) (*Account, error) {
	return e.store.GetAccount(ctx, customerID)
}

func (e *Engine) Lots(ctx context.Context, customerID CustomerID) ([]PointLot, error) {
	return e.store.ListLots(ctx, customerID)
}

func (e *Engine) Transactions(ctx context.Context, customerID CustomerID) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, customerID)
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// inCustomer runs fn in the customer's atomic unit, retrying when the store
// reports a concurrent modification. fn must reset its outputs on entry.
func (e *Engine) inCustomer(ctx context.Context, customerID CustomerID, fn func(CustomerTx) error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		err = e.store.WithCustomer(ctx, customerID, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		e.log.WithFields(logrus.Fields{"customer_id": customerID, "attempt": attempt + 1}).
			Debug("concurrent modification, retrying")
	}
	return err
}

// retier re-resolves acc's tier from lifetime points and returns the change,
// if any.
func (e *Engine) retier(prog *Program, acc *Account, now time.Time) *TierChangeEvent {
	current := prog.currentTier(acc)
	next := ResolveTier(acc.LifetimePoints, prog.Tiers)
	acc.Tier = next.ID

	dir := DetectTransition(current, next)
	if dir == TransitionNone {
		return nil
	}
	acc.TierAnchorDate = now
	return &TierChangeEvent{
		CustomerID: acc.CustomerID,
		OldTier:    current.ID,
		NewTier:    next.ID,
		Direction:  dir,
	}
}

// publish hands committed events to the publisher. The ledger is already
// committed, so a failure is only logged.
func (e *Engine) publish(ctx context.Context, log logrus.FieldLogger, events []Event) {
	if len(events) == 0 {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), events...); err != nil {
		log.WithError(err).WithField("events", len(events)).Warn("event publish failed")
	}
}

func newAccount(id CustomerID, prog *Program, now time.Time) *Account {
	return &Account{
		CustomerID:     id,
		Tier:           prog.BaseTier().ID,
		TierAnchorDate: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func earnKey(orderID string) string { return "earn:" + orderID }
func redeemKey(key string) string   { return "redeem:" + key }
func adjustKey(key string) string   { return "adjust:" + key }
func expireKey(lotID LotID) string  { return "expire:" + string(lotID) }
