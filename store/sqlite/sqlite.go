/*
Package sqlite provides a SQLite-backed loyalty.Store.

PURPOSE:
  Single-node persistence for development and small deployments. The same
  tables exist in store/postgres; only dialect details differ.

KEY TABLES:
  loyalty_accounts:     Materialized per-customer totals (versioned)
  point_lots:           Earned batches with their own expiry
  ledger_transactions:  Append-only ledger, UNIQUE(customer_id, idempotency_key)
  maintenance_locks:    Run lock with TTL
  maintenance_cursors:  Resume point of an interrupted sweep

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_transactions
  - No DELETE statements on ledger_transactions
  - Corrections are new adjust rows

CONCURRENCY:
  SQLite has one writer. The pool is capped at a single connection, so every
  WithCustomer call is a serialized writer transaction. All reads inside fn
  go through the same *sql.Tx; calling back into Store methods from fn would
  wait for the connection fn is holding.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text so that string comparison in
  SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned
  migrations instead (store/postgres/migrations).

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writer transactions
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", loyalty.ErrStoreUnavailable, err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loyalty_accounts (
		customer_id TEXT PRIMARY KEY,
		active_points INTEGER NOT NULL CHECK (active_points >= 0),
		lifetime_points INTEGER NOT NULL CHECK (lifetime_points >= 0),
		tier TEXT NOT NULL,
		tier_anchor_date TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS point_lots (
		lot_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		points_granted INTEGER NOT NULL,
		points_remaining INTEGER NOT NULL CHECK (points_remaining >= 0 AND points_remaining <= points_granted),
		earned_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		status TEXT NOT NULL,
		warning_emitted_at TEXT,
		source_order_id TEXT,
		updated_at TEXT NOT NULL
	);

	-- FIFO consumption and the maintenance scan
	CREATE INDEX IF NOT EXISTS idx_point_lots_customer_earned
		ON point_lots(customer_id, earned_at, lot_id);
	CREATE INDEX IF NOT EXISTS idx_point_lots_open_expiry
		ON point_lots(expires_at, customer_id)
		WHERE status IN ('active', 'partially_consumed');

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		type TEXT NOT NULL,
		points INTEGER NOT NULL,
		lifetime_delta INTEGER NOT NULL,
		related_order_id TEXT,
		lot_id TEXT,
		idempotency_key TEXT,
		reason TEXT,
		amount TEXT NOT NULL,
		tier TEXT NOT NULL,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Idempotency: NULL keys never collide
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_customer_key
		ON ledger_transactions(customer_id, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_ledger_customer_seq
		ON ledger_transactions(customer_id, seq);

	CREATE TABLE IF NOT EXISTS maintenance_locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS maintenance_cursors (
		name TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		last_customer_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

// WithCustomer executes fn within a serialized database transaction.
func (s *Store) WithCustomer(ctx context.Context, id loyalty.CustomerID, fn func(loyalty.CustomerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&customerTx{tx: sqlTx, id: id}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type customerTx struct {
	tx *sql.Tx
	id loyalty.CustomerID
}

func (ct *customerTx) Account(ctx context.Context) (*loyalty.Account, error) {
	return getAccount(ctx, ct.tx, ct.id)
}

func (ct *customerTx) SaveAccount(ctx context.Context, acc *loyalty.Account) error {
	if acc.Version == 0 {
		_, err := ct.tx.ExecContext(ctx, `
			INSERT INTO loyalty_accounts
			(customer_id, active_points, lifetime_points, tier, tier_anchor_date, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			acc.CustomerID, acc.ActivePoints, acc.LifetimePoints, acc.Tier,
			formatTime(acc.TierAnchorDate), formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("create account %s: %w", acc.CustomerID, loyalty.ErrConcurrentModification)
		}
		if err != nil {
			return mapError("create account", err)
		}
		acc.Version = 1
		return nil
	}

	res, err := ct.tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET active_points = ?, lifetime_points = ?, tier = ?, tier_anchor_date = ?,
		    version = version + 1, updated_at = ?
		WHERE customer_id = ? AND version = ?`,
		acc.ActivePoints, acc.LifetimePoints, acc.Tier, formatTime(acc.TierAnchorDate),
		formatTime(acc.UpdatedAt), acc.CustomerID, acc.Version,
	)
	if err != nil {
		return mapError("save account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save account %s at version %d: %w", acc.CustomerID, acc.Version, loyalty.ErrConcurrentModification)
	}
	acc.Version++
	return nil
}

func (ct *customerTx) FindTransactionByKey(ctx context.Context, key string) (loyalty.Transaction, bool, error) {
	return findTransactionByKey(ctx, ct.tx, ct.id, key)
}

func (ct *customerTx) AppendTransaction(ctx context.Context, t *loyalty.Transaction) error {
	res, err := ct.tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(transaction_id, customer_id, type, points, lifetime_delta, related_order_id, lot_id,
		 idempotency_key, reason, amount, tier, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CustomerID, t.Type, t.Points, t.LifetimeDelta,
		nullString(t.RelatedOrderID), nullString(string(t.LotID)), nullString(t.IdempotencyKey),
		nullString(t.Reason), t.Amount.String(), t.Tier, t.BalanceAfter, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("append %s: %w", t.IdempotencyKey, loyalty.ErrIdempotencyConflict)
		}
		return mapError("append transaction", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return mapError("append transaction", err)
	}
	t.Seq = seq
	return nil
}

func (ct *customerTx) OpenLots(ctx context.Context) ([]loyalty.PointLot, error) {
	return queryLots(ctx, ct.tx, `
		SELECT `+lotColumns+` FROM point_lots
		WHERE customer_id = ? AND status IN ('active', 'partially_consumed')
		ORDER BY earned_at ASC, lot_id ASC`, ct.id)
}

func (ct *customerTx) InsertLot(ctx context.Context, l loyalty.PointLot) error {
	_, err := ct.tx.ExecContext(ctx, `
		INSERT INTO point_lots
		(lot_id, customer_id, points_granted, points_remaining, earned_at, expires_at,
		 status, warning_emitted_at, source_order_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CustomerID, l.PointsGranted, l.PointsRemaining, formatTime(l.EarnedAt),
		formatTime(l.ExpiresAt), l.Status, nullTime(l.WarningEmittedAt),
		nullString(l.SourceOrderID), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return mapError("insert lot", err)
	}
	return nil
}

func (ct *customerTx) UpdateLot(ctx context.Context, l loyalty.PointLot) error {
	res, err := ct.tx.ExecContext(ctx, `
		UPDATE point_lots
		SET points_remaining = ?, status = ?, warning_emitted_at = ?, updated_at = ?
		WHERE lot_id = ? AND customer_id = ?`,
		l.PointsRemaining, l.Status, nullTime(l.WarningEmittedAt), formatTime(l.UpdatedAt),
		l.ID, ct.id,
	)
	if err != nil {
		return mapError("update lot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update lot %s: not found", l.ID)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id loyalty.CustomerID) (*loyalty.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListLots(ctx context.Context, id loyalty.CustomerID) ([]loyalty.PointLot, error) {
	return queryLots(ctx, s.db, `
		SELECT `+lotColumns+` FROM point_lots
		WHERE customer_id = ?
		ORDER BY earned_at ASC, lot_id ASC`, id)
}

func (s *Store) ListTransactions(ctx context.Context, id loyalty.CustomerID) ([]loyalty.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE customer_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, mapError("query transactions", err)
	}
	defer rows.Close()

	var txs []loyalty.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) FindTransactionByKey(ctx context.Context, id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	return findTransactionByKey(ctx, s.db, id, key)
}

func getAccount(ctx context.Context, q queryer, id loyalty.CustomerID) (*loyalty.Account, error) {
	var (
		acc                          loyalty.Account
		anchor, createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT customer_id, active_points, lifetime_points, tier, tier_anchor_date, version, created_at, updated_at
		FROM loyalty_accounts WHERE customer_id = ?`, id,
	).Scan(&acc.CustomerID, &acc.ActivePoints, &acc.LifetimePoints, &acc.Tier, &anchor, &acc.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, loyalty.ErrAccountNotFound)
	}
	if err != nil {
		return nil, mapError("get account", err)
	}
	acc.TierAnchorDate = parseTime(anchor)
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)
	return &acc, nil
}

func findTransactionByKey(ctx context.Context, q queryer, id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	if key == "" {
		return loyalty.Transaction{}, false, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE customer_id = ? AND idempotency_key = ?`, id, key)
	if err != nil {
		return loyalty.Transaction{}, false, mapError("find transaction", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return loyalty.Transaction{}, false, rows.Err()
	}
	t, err := scanTransaction(rows)
	if err != nil {
		return loyalty.Transaction{}, false, err
	}
	return t, true, nil
}

const lotColumns = `lot_id, customer_id, points_granted, points_remaining, earned_at, expires_at,
	status, warning_emitted_at, source_order_id, updated_at`

func queryLots(ctx context.Context, q queryer, query string, args ...any) ([]loyalty.PointLot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query lots", err)
	}
	defer rows.Close()

	var lots []loyalty.PointLot
	for rows.Next() {
		var (
			l                              loyalty.PointLot
			earnedAt, expiresAt, updatedAt string
			warnedAt, sourceOrder          sql.NullString
		)
		err := rows.Scan(&l.ID, &l.CustomerID, &l.PointsGranted, &l.PointsRemaining, &earnedAt, &expiresAt,
			&l.Status, &warnedAt, &sourceOrder, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		l.EarnedAt = parseTime(earnedAt)
		l.ExpiresAt = parseTime(expiresAt)
		l.UpdatedAt = parseTime(updatedAt)
		l.SourceOrderID = sourceOrder.String
		if warnedAt.Valid {
			t := parseTime(warnedAt.String)
			l.WarningEmittedAt = &t
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

const transactionColumns = `seq, transaction_id, customer_id, type, points, lifetime_delta, related_order_id,
	lot_id, idempotency_key, reason, amount, tier, balance_after, created_at`

func scanTransaction(rows *sql.Rows) (loyalty.Transaction, error) {
	var (
		t                           loyalty.Transaction
		orderID, lotID, key, reason sql.NullString
		amount, createdAt           string
	)
	err := rows.Scan(&t.Seq, &t.ID, &t.CustomerID, &t.Type, &t.Points, &t.LifetimeDelta, &orderID,
		&lotID, &key, &reason, &amount, &t.Tier, &t.BalanceAfter, &createdAt)
	if err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.RelatedOrderID = orderID.String
	t.LotID = loyalty.LotID(lotID.String)
	t.IdempotencyKey = key.String
	t.Reason = reason.String
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("transaction %s amount %q: %w", t.ID, amount, err)
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// MAINTENANCE STORE
// =============================================================================

func (s *Store) CustomersNeedingMaintenance(ctx context.Context, now, warnUntil time.Time, after loyalty.CustomerID, limit int) ([]loyalty.CustomerID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT customer_id FROM point_lots
		WHERE status IN ('active', 'partially_consumed')
		  AND customer_id > ?
		  AND (expires_at <= ? OR (warning_emitted_at IS NULL AND expires_at <= ?))
		ORDER BY customer_id ASC
		LIMIT ?`,
		after, formatTime(now), formatTime(warnUntil), limit,
	)
	if err != nil {
		return nil, mapError("scan customers", err)
	}
	defer rows.Close()

	var ids []loyalty.CustomerID
	for rows.Next() {
		var id loyalty.CustomerID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE maintenance_locks.owner = excluded.owner OR maintenance_locks.expires_at <= ?`,
		name, owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return mapError("acquire run lock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lock %s: %w", name, loyalty.ErrMaintenanceRunning)
	}
	return nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM maintenance_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return mapError("release run lock", err)
	}
	return nil
}

func (s *Store) LoadCursor(ctx context.Context, name string) (*loyalty.MaintenanceCursor, error) {
	var (
		c                    loyalty.MaintenanceCursor
		startedAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, run_id, last_customer_id, started_at, updated_at
		FROM maintenance_cursors WHERE name = ?`, name,
	).Scan(&c.Name, &c.RunID, &c.LastCustomerID, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("load cursor", err)
	}
	c.StartedAt = parseTime(startedAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *Store) SaveCursor(ctx context.Context, c loyalty.MaintenanceCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_cursors (name, run_id, last_customer_id, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET run_id = excluded.run_id,
			last_customer_id = excluded.last_customer_id,
			started_at = excluded.started_at, updated_at = excluded.updated_at`,
		c.Name, c.RunID, c.LastCustomerID, formatTime(c.StartedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return mapError("save cursor", err)
	}
	return nil
}

func (s *Store) ClearCursor(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM maintenance_cursors WHERE name = ?`, name); err != nil {
		return mapError("clear cursor", err)
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError marks lock and I/O failures as transient.
func mapError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
