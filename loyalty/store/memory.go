// Package store provides the in-memory loyalty.Store.
package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger in maps. WithCustomer serializes per customer
// with one mutex each; writes are staged and applied only when fn succeeds.
type Memory struct {
	mu       sync.RWMutex
	accounts map[loyalty.CustomerID]loyalty.Account
	lots     map[loyalty.CustomerID]map[loyalty.LotID]loyalty.PointLot
	txs      map[loyalty.CustomerID][]loyalty.Transaction
	keys     map[loyalty.CustomerID]map[string]int // idempotency key -> index in txs
	seq      int64
	runLocks map[string]runLock
	cursors  map[string]loyalty.MaintenanceCursor

	customerMu sync.Mutex
	customers  map[loyalty.CustomerID]*sync.Mutex

	// Fault, when set, is consulted at the start of every WithCustomer call.
	// A non-nil result aborts the unit. Used to simulate store outages.
	Fault func(customerID loyalty.CustomerID) error
}

type runLock struct {
	owner     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[loyalty.CustomerID]loyalty.Account),
		lots:      make(map[loyalty.CustomerID]map[loyalty.LotID]loyalty.PointLot),
		txs:       make(map[loyalty.CustomerID][]loyalty.Transaction),
		keys:      make(map[loyalty.CustomerID]map[string]int),
		runLocks:  make(map[string]runLock),
		cursors:   make(map[string]loyalty.MaintenanceCursor),
		customers: make(map[loyalty.CustomerID]*sync.Mutex),
	}
}

func (m *Memory) customerLock(id loyalty.CustomerID) *sync.Mutex {
	m.customerMu.Lock()
	defer m.customerMu.Unlock()
	l, ok := m.customers[id]
	if !ok {
		l = &sync.Mutex{}
		m.customers[id] = l
	}
	return l
}

// WithCustomer runs fn against a staged view of one customer's ledger.
func (m *Memory) WithCustomer(ctx context.Context, id loyalty.CustomerID, fn func(loyalty.CustomerTx) error) error {
	l := m.customerLock(id)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fault != nil {
		if err := m.Fault(id); err != nil {
			return err
		}
	}

	view := &memoryTx{
		parent: m,
		id:     id,
		lots:   make(map[loyalty.LotID]loyalty.PointLot),
		keys:   make(map[string]int),
	}
	if err := fn(view); err != nil {
		return err
	}
	// Abandon the staged writes if the caller gave up while fn ran.
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before the first write so a failed commit leaves
	// no trace.
	if v.account != nil {
		stored, exists := m.accounts[v.id]
		switch {
		case v.baseVersion == 0 && exists:
			return fmt.Errorf("create account %s: %w", v.id, loyalty.ErrConcurrentModification)
		case v.baseVersion != 0 && stored.Version != v.baseVersion:
			return fmt.Errorf("save account %s: %w", v.id, loyalty.ErrConcurrentModification)
		}
	}
	for _, t := range v.txs {
		if t.IdempotencyKey == "" {
			continue
		}
		if _, dup := m.keys[v.id][t.IdempotencyKey]; dup {
			return fmt.Errorf("append %s: %w", t.IdempotencyKey, loyalty.ErrIdempotencyConflict)
		}
	}

	if v.account != nil {
		m.accounts[v.id] = *v.account
	}
	if len(v.lots) > 0 && m.lots[v.id] == nil {
		m.lots[v.id] = make(map[loyalty.LotID]loyalty.PointLot)
	}
	for id, lot := range v.lots {
		m.lots[v.id][id] = lot
	}
	if len(v.txs) > 0 && m.keys[v.id] == nil {
		m.keys[v.id] = make(map[string]int)
	}
	for _, t := range v.txs {
		m.txs[v.id] = append(m.txs[v.id], t)
		if t.IdempotencyKey != "" {
			m.keys[v.id][t.IdempotencyKey] = len(m.txs[v.id]) - 1
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id loyalty.CustomerID) (*loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, loyalty.ErrAccountNotFound)
	}
	return &acc, nil
}

func (m *Memory) ListLots(_ context.Context, id loyalty.CustomerID) ([]loyalty.PointLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]loyalty.PointLot, 0, len(m.lots[id]))
	for _, l := range m.lots[id] {
		result = append(result, l)
	}
	loyalty.SortLotsFIFO(result)
	return result, nil
}

func (m *Memory) ListTransactions(_ context.Context, id loyalty.CustomerID) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.txs[id]), nil
}

func (m *Memory) FindTransactionByKey(_ context.Context, id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(id, key)
}

func (m *Memory) findLocked(id loyalty.CustomerID, key string) (loyalty.Transaction, bool, error) {
	i, ok := m.keys[id][key]
	if !ok || key == "" {
		return loyalty.Transaction{}, false, nil
	}
	return m.txs[id][i], true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// =============================================================================
// MAINTENANCE
// =============================================================================

func (m *Memory) CustomersNeedingMaintenance(_ context.Context, now, warnUntil time.Time, after loyalty.CustomerID, limit int) ([]loyalty.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []loyalty.CustomerID
	for id, lots := range m.lots {
		if id <= after {
			continue
		}
		for _, l := range lots {
			if !l.Status.IsOpen() {
				continue
			}
			due := !l.ExpiresAt.After(now)
			warn := l.WarningEmittedAt == nil && !l.ExpiresAt.After(warnUntil)
			if due || warn {
				ids = append(ids, id)
				break
			}
		}
	}
	slices.SortFunc(ids, func(a, b loyalty.CustomerID) int { return strings.Compare(string(a), string(b)) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) AcquireRunLock(_ context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.runLocks[name]; ok && held.owner != owner && held.expiresAt.After(now) {
		return fmt.Errorf("lock %s held by %s: %w", name, held.owner, loyalty.ErrMaintenanceRunning)
	}
	m.runLocks[name] = runLock{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) ReleaseRunLock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.runLocks[name]; ok && held.owner == owner {
		delete(m.runLocks, name)
	}
	return nil
}

func (m *Memory) LoadCursor(_ context.Context, name string) (*loyalty.MaintenanceCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) SaveCursor(_ context.Context, c loyalty.MaintenanceCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.Name] = c
	return nil
}

func (m *Memory) ClearCursor(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, name)
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx stages writes for one customer. Reads see staged values first.
type memoryTx struct {
	parent      *Memory
	id          loyalty.CustomerID
	account     *loyalty.Account
	baseVersion int64
	loaded      bool
	lots        map[loyalty.LotID]loyalty.PointLot
	txs         []loyalty.Transaction
	keys        map[string]int
}

func (tv *memoryTx) Account(ctx context.Context) (*loyalty.Account, error) {
	if tv.account != nil {
		acc := *tv.account
		return &acc, nil
	}
	return tv.parent.GetAccount(ctx, tv.id)
}

func (tv *memoryTx) SaveAccount(_ context.Context, acc *loyalty.Account) error {
	if !tv.loaded {
		tv.baseVersion = acc.Version
		tv.loaded = true
	}
	acc.Version++
	saved := *acc
	tv.account = &saved
	return nil
}

func (tv *memoryTx) FindTransactionByKey(_ context.Context, key string) (loyalty.Transaction, bool, error) {
	if i, ok := tv.keys[key]; ok && key != "" {
		return tv.txs[i], true, nil
	}
	return tv.parent.FindTransactionByKey(context.Background(), tv.id, key)
}

func (tv *memoryTx) AppendTransaction(ctx context.Context, t *loyalty.Transaction) error {
	if t.IdempotencyKey != "" {
		if _, found, _ := tv.FindTransactionByKey(ctx, t.IdempotencyKey); found {
			return fmt.Errorf("append %s: %w", t.IdempotencyKey, loyalty.ErrIdempotencyConflict)
		}
		tv.keys[t.IdempotencyKey] = len(tv.txs)
	}
	// Sequence numbers are reserved up front; a rolled back unit leaves a gap.
	tv.parent.mu.Lock()
	tv.parent.seq++
	t.Seq = tv.parent.seq
	tv.parent.mu.Unlock()
	tv.txs = append(tv.txs, *t)
	return nil
}

func (tv *memoryTx) OpenLots(ctx context.Context) ([]loyalty.PointLot, error) {
	all, err := tv.parent.ListLots(ctx, tv.id)
	if err != nil {
		return nil, err
	}
	seen := make(map[loyalty.LotID]bool, len(all))
	var open []loyalty.PointLot
	for _, l := range all {
		seen[l.ID] = true
		if staged, ok := tv.lots[l.ID]; ok {
			l = staged
		}
		if l.Status.IsOpen() {
			open = append(open, l)
		}
	}
	for id, l := range tv.lots {
		if !seen[id] && l.Status.IsOpen() {
			open = append(open, l)
		}
	}
	loyalty.SortLotsFIFO(open)
	return open, nil
}

func (tv *memoryTx) InsertLot(_ context.Context, lot loyalty.PointLot) error {
	if _, ok := tv.lots[lot.ID]; ok {
		return fmt.Errorf("insert lot %s: duplicate id", lot.ID)
	}
	tv.lots[lot.ID] = lot
	return nil
}

func (tv *memoryTx) UpdateLot(_ context.Context, lot loyalty.PointLot) error {
	if _, staged := tv.lots[lot.ID]; !staged {
		tv.parent.mu.RLock()
		_, ok := tv.parent.lots[tv.id][lot.ID]
		tv.parent.mu.RUnlock()
		if !ok {
			return fmt.Errorf("update lot %s: not found", lot.ID)
		}
	}
	tv.lots[lot.ID] = lot
	return nil
}
