/*
store.go - Persistence interfaces

PURPOSE:
  The engine only ever talks to storage through these interfaces. Backends
  live in loyalty/store (in-memory), store/sqlite and store/postgres and
  all pass the same conformance suite (loyalty/storetest).

ATOMIC UNIT:
  WithCustomer runs fn inside one transaction that is linearized against
  every other WithCustomer call for the same customer. Calls for different
  customers never block each other. If fn returns an error nothing it
  wrote is visible afterwards.

  Backends differ in how they linearize:
    memory:   per-customer mutex + staged writes applied on success
    sqlite:   single serialized writer connection
    postgres: pg_advisory_xact_lock(hashtext(customer)) + row locks

IDEMPOTENCY:
  (customer, idempotency key) is unique across ledger transactions. A
  violating AppendTransaction returns ErrIdempotencyConflict. Empty keys are
  never indexed.

ERROR MAPPING:
  Backends map driver errors onto ErrStoreUnavailable (connectivity),
  ErrConcurrentModification (version check) and ErrIdempotencyConflict
  (unique violation), wrapped with %w and context.
*/
package loyalty

import (
	"context"
	"time"
)

// CustomerTx is the view of one customer's ledger inside WithCustomer.
type CustomerTx interface {
	// Account returns ErrAccountNotFound if the customer has no account yet.
	Account(ctx context.Context) (*Account, error)

	// SaveAccount creates the account when acc.Version is 0 and otherwise
	// updates it only if the stored version still equals acc.Version. On
	// success acc.Version is incremented.
	SaveAccount(ctx context.Context, acc *Account) error

	FindTransactionByKey(ctx context.Context, key string) (Transaction, bool, error)

	// AppendTransaction stores t and assigns t.Seq.
	AppendTransaction(ctx context.Context, t *Transaction) error

	// OpenLots returns active and partially consumed lots, oldest first.
	OpenLots(ctx context.Context) ([]PointLot, error)

	InsertLot(ctx context.Context, lot PointLot) error
	UpdateLot(ctx context.Context, lot PointLot) error
}

// Store is the durable ledger.
type Store interface {
	WithCustomer(ctx context.Context, customerID CustomerID, fn func(CustomerTx) error) error

	GetAccount(ctx context.Context, customerID CustomerID) (*Account, error)

	// ListLots returns every lot of the customer, oldest first.
	ListLots(ctx context.Context, customerID CustomerID) ([]PointLot, error)

	// ListTransactions returns the customer's ledger in Seq order.
	ListTransactions(ctx context.Context, customerID CustomerID) ([]Transaction, error)

	FindTransactionByKey(ctx context.Context, customerID CustomerID, key string) (Transaction, bool, error)

	Ping(ctx context.Context) error

	MaintenanceStore
}

// MaintenanceCursor records how far an interrupted maintenance run got.
type MaintenanceCursor struct {
	Name           string
	RunID          string
	LastCustomerID CustomerID
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// MaintenanceStore supports the paged, resumable, single-instance sweep.
type MaintenanceStore interface {
	// CustomersNeedingMaintenance returns customer ids greater than after,
	// ascending, that own an open lot which is either due at now or expires
	// by warnUntil without having been warned.
	CustomersNeedingMaintenance(ctx context.Context, now, warnUntil time.Time, after CustomerID, limit int) ([]CustomerID, error)

	// AcquireRunLock takes the named lock for owner until now+ttl. It
	// returns ErrMaintenanceRunning while another owner holds an unexpired
	// lock.
	AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error
	ReleaseRunLock(ctx context.Context, name, owner string) error

	// LoadCursor returns nil when no run was interrupted.
	LoadCursor(ctx context.Context, name string) (*MaintenanceCursor, error)
	SaveCursor(ctx context.Context, c MaintenanceCursor) error
	ClearCursor(ctx context.Context, name string) error
}
