/*
Package postgres provides a PostgreSQL-backed loyalty.Store on pgx.

CONCURRENCY:
  WithCustomer opens a transaction and takes
  pg_advisory_xact_lock(hashtext(customer_id)) before fn runs, so units for
  one customer queue behind each other across every process sharing the
  database, while other customers proceed in parallel. The account row is
  additionally read FOR UPDATE. Hash collisions only cost unrelated
  customers some waiting.

SCHEMA:
  Versioned migrations are embedded (migrations/*.sql) and applied with
  golang-migrate. See RunMigrations.

ERROR MAPPING:
  23505 unique_violation      -> ErrIdempotencyConflict / ErrConcurrentModification
  40001, 40P01                -> ErrConcurrentModification
  08xxx, 57P0x, dial failures -> ErrStoreUnavailable
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded migrations.
func RunMigrations(databaseURL string, log logrus.FieldLogger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	d, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("migrations applied")
	return nil
}

// Store implements loyalty.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", loyalty.ErrStoreUnavailable, err)
	}
	return nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

func (s *Store) WithCustomer(ctx context.Context, id loyalty.CustomerID, fn func(loyalty.CustomerTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(id)); err != nil {
		return mapError("lock customer", err)
	}
	if err := fn(&customerTx{tx: tx, id: id}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type customerTx struct {
	tx pgx.Tx
	id loyalty.CustomerID
}

func (ct *customerTx) Account(ctx context.Context) (*loyalty.Account, error) {
	return getAccount(ctx, ct.tx, ct.id, " FOR UPDATE")
}

func (ct *customerTx) SaveAccount(ctx context.Context, acc *loyalty.Account) error {
	if acc.Version == 0 {
		_, err := ct.tx.Exec(ctx, `
			INSERT INTO loyalty_accounts
			(customer_id, active_points, lifetime_points, tier, tier_anchor_date, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
			string(acc.CustomerID), acc.ActivePoints, acc.LifetimePoints, string(acc.Tier),
			acc.TierAnchorDate, acc.CreatedAt, acc.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create account %s: %w", acc.CustomerID, loyalty.ErrConcurrentModification)
		}
		if err != nil {
			return mapError("create account", err)
		}
		acc.Version = 1
		return nil
	}

	tag, err := ct.tx.Exec(ctx, `
		UPDATE loyalty_accounts
		SET active_points = $1, lifetime_points = $2, tier = $3, tier_anchor_date = $4,
		    version = version + 1, updated_at = $5
		WHERE customer_id = $6 AND version = $7`,
		acc.ActivePoints, acc.LifetimePoints, string(acc.Tier), acc.TierAnchorDate,
		acc.UpdatedAt, string(acc.CustomerID), acc.Version,
	)
	if err != nil {
		return mapError("save account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save account %s at version %d: %w", acc.CustomerID, acc.Version, loyalty.ErrConcurrentModification)
	}
	acc.Version++
	return nil
}

func (ct *customerTx) FindTransactionByKey(ctx context.Context, key string) (loyalty.Transaction, bool, error) {
	return findTransactionByKey(ctx, ct.tx, ct.id, key)
}

func (ct *customerTx) AppendTransaction(ctx context.Context, t *loyalty.Transaction) error {
	err := ct.tx.QueryRow(ctx, `
		INSERT INTO ledger_transactions
		(transaction_id, customer_id, type, points, lifetime_delta, related_order_id, lot_id,
		 idempotency_key, reason, amount, tier, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)
		RETURNING seq`,
		string(t.ID), string(t.CustomerID), string(t.Type), t.Points, t.LifetimeDelta,
		nullable(t.RelatedOrderID), nullable(string(t.LotID)), nullable(t.IdempotencyKey),
		nullable(t.Reason), t.Amount.String(), string(t.Tier), t.BalanceAfter, t.CreatedAt,
	).Scan(&t.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append %s: %w", t.IdempotencyKey, loyalty.ErrIdempotencyConflict)
		}
		return mapError("append transaction", err)
	}
	return nil
}

func (ct *customerTx) OpenLots(ctx context.Context) ([]loyalty.PointLot, error) {
	return queryLots(ctx, ct.tx, `
		SELECT `+lotColumns+` FROM point_lots
		WHERE customer_id = $1 AND status IN ('active', 'partially_consumed')
		ORDER BY earned_at ASC, lot_id ASC
		FOR UPDATE`, string(ct.id))
}

func (ct *customerTx) InsertLot(ctx context.Context, l loyalty.PointLot) error {
	_, err := ct.tx.Exec(ctx, `
		INSERT INTO point_lots
		(lot_id, customer_id, points_granted, points_remaining, earned_at, expires_at,
		 status, warning_emitted_at, source_order_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(l.ID), string(l.CustomerID), l.PointsGranted, l.PointsRemaining, l.EarnedAt,
		l.ExpiresAt, string(l.Status), l.WarningEmittedAt, nullable(l.SourceOrderID), l.UpdatedAt,
	)
	if err != nil {
		return mapError("insert lot", err)
	}
	return nil
}

func (ct *customerTx) UpdateLot(ctx context.Context, l loyalty.PointLot) error {
	tag, err := ct.tx.Exec(ctx, `
		UPDATE point_lots
		SET points_remaining = $1, status = $2, warning_emitted_at = $3, updated_at = $4
		WHERE lot_id = $5 AND customer_id = $6`,
		l.PointsRemaining, string(l.Status), l.WarningEmittedAt, l.UpdatedAt,
		string(l.ID), string(ct.id),
	)
	if err != nil {
		return mapError("update lot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update lot %s: not found", l.ID)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id loyalty.CustomerID) (*loyalty.Account, error) {
	return getAccount(ctx, s.pool, id, "")
}

func (s *Store) ListLots(ctx context.Context, id loyalty.CustomerID) ([]loyalty.PointLot, error) {
	return queryLots(ctx, s.pool, `
		SELECT `+lotColumns+` FROM point_lots
		WHERE customer_id = $1
		ORDER BY earned_at ASC, lot_id ASC`, string(id))
}

func (s *Store) ListTransactions(ctx context.Context, id loyalty.CustomerID) ([]loyalty.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE customer_id = $1
		ORDER BY seq ASC`, string(id))
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
	return findTransactionByKey(ctx, s.pool, id, key)
}

func getAccount(ctx context.Context, q querier, id loyalty.CustomerID, lock string) (*loyalty.Account, error) {
	var (
		acc              loyalty.Account
		customerID, tier string
	)
	err := q.QueryRow(ctx, `
		SELECT customer_id, active_points, lifetime_points, tier, tier_anchor_date, version, created_at, updated_at
		FROM loyalty_accounts WHERE customer_id = $1`+lock, string(id),
	).Scan(&customerID, &acc.ActivePoints, &acc.LifetimePoints, &tier, &acc.TierAnchorDate,
		&acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, loyalty.ErrAccountNotFound)
	}
	if err != nil {
		return nil, mapError("get account", err)
	}
	acc.CustomerID = loyalty.CustomerID(customerID)
	acc.Tier = loyalty.TierID(tier)
	return &acc, nil
}

func findTransactionByKey(ctx context.Context, q querier, id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	if key == "" {
		return loyalty.Transaction{}, false, nil
	}
	rows, err := q.Query(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE customer_id = $1 AND idempotency_key = $2`, string(id), key)
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

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]loyalty.PointLot, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query lots", err)
	}
	defer rows.Close()

	var lots []loyalty.PointLot
	for rows.Next() {
		var (
			l                         loyalty.PointLot
			lotID, customerID, status string
			sourceOrder               *string
		)
		err := rows.Scan(&lotID, &customerID, &l.PointsGranted, &l.PointsRemaining, &l.EarnedAt, &l.ExpiresAt,
			&status, &l.WarningEmittedAt, &sourceOrder, &l.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		l.ID = loyalty.LotID(lotID)
		l.CustomerID = loyalty.CustomerID(customerID)
		l.Status = loyalty.LotStatus(status)
		if sourceOrder != nil {
			l.SourceOrderID = *sourceOrder
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

const transactionColumns = `seq, transaction_id, customer_id, type, points, lifetime_delta, related_order_id,
	lot_id, idempotency_key, reason, amount::text, tier, balance_after, created_at`

func scanTransaction(rows pgx.Rows) (loyalty.Transaction, error) {
	var (
		t                            loyalty.Transaction
		id, customerID, txType, tier string
		orderID, lotID, key, reason  *string
		amount                       string
	)
	err := rows.Scan(&t.Seq, &id, &customerID, &txType, &t.Points, &t.LifetimeDelta, &orderID,
		&lotID, &key, &reason, &amount, &tier, &t.BalanceAfter, &t.CreatedAt)
	if err != nil {
		return t, fmt.Errorf("scan transaction: %w", err)
	}
	t.ID = loyalty.TransactionID(id)
	t.CustomerID = loyalty.CustomerID(customerID)
	t.Type = loyalty.TransactionType(txType)
	t.Tier = loyalty.TierID(tier)
	t.RelatedOrderID = deref(orderID)
	t.LotID = loyalty.LotID(deref(lotID))
	t.IdempotencyKey = deref(key)
	t.Reason = deref(reason)
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("transaction %s amount %q: %w", id, amount, err)
	}
	return t, nil
}

// =============================================================================
// MAINTENANCE STORE
// =============================================================================

func (s *Store) CustomersNeedingMaintenance(ctx context.Context, now, warnUntil time.Time, after loyalty.CustomerID, limit int) ([]loyalty.CustomerID, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT customer_id FROM point_lots
		WHERE status IN ('active', 'partially_consumed')
		  AND customer_id > $1
		  AND (expires_at <= $2 OR (warning_emitted_at IS NULL AND expires_at <= $3))
		ORDER BY customer_id ASC
		LIMIT $4`,
		string(after), now, warnUntil, lim,
	)
	if err != nil {
		return nil, mapError("scan customers", err)
	}
	defer rows.Close()

	var ids []loyalty.CustomerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, loyalty.CustomerID(id))
	}
	return ids, rows.Err()
}

func (s *Store) AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_locks (name, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE maintenance_locks.owner = EXCLUDED.owner OR maintenance_locks.expires_at <= $4`,
		name, owner, now.Add(ttl), now,
	)
	if err != nil {
		return mapError("acquire run lock", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lock %s: %w", name, loyalty.ErrMaintenanceRunning)
	}
	return nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, name, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM maintenance_locks WHERE name = $1 AND owner = $2`, name, owner); err != nil {
		return mapError("release run lock", err)
	}
	return nil
}

func (s *Store) LoadCursor(ctx context.Context, name string) (*loyalty.MaintenanceCursor, error) {
	var (
		c    loyalty.MaintenanceCursor
		last string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, run_id, last_customer_id, started_at, updated_at
		FROM maintenance_cursors WHERE name = $1`, name,
	).Scan(&c.Name, &c.RunID, &last, &c.StartedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("load cursor", err)
	}
	c.LastCustomerID = loyalty.CustomerID(last)
	return &c, nil
}

func (s *Store) SaveCursor(ctx context.Context, c loyalty.MaintenanceCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maintenance_cursors (name, run_id, last_customer_id, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET run_id = EXCLUDED.run_id,
			last_customer_id = EXCLUDED.last_customer_id,
			started_at = EXCLUDED.started_at, updated_at = EXCLUDED.updated_at`,
		c.Name, c.RunID, string(c.LastCustomerID), c.StartedAt, c.UpdatedAt,
	)
	if err != nil {
		return mapError("save cursor", err)
	}
	return nil
}

func (s *Store) ClearCursor(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM maintenance_cursors WHERE name = $1`, name); err != nil {
		return mapError("clear cursor", err)
	}
	return nil
}

// Helper functions

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%s: %w: %v", op, loyalty.ErrConcurrentModification, err)
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %v", op, loyalty.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
