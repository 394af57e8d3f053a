/*
handlers_test.go - HTTP tests for the loyalty API

Tests for:
- Award, redeem and quote endpoints including replays and 422 shortfalls
- Account, lots, transactions and audit reads
- Admin adjustments and program hot swap behind bearer tokens
- Maintenance runs, lock conflicts and status mapping for store failures
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

const testSecret = "test-secret"

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type apiHarness struct {
	t        *testing.T
	clock    *loyalty.ManualClock
	mem      *store.Memory
	programs *loyalty.StaticProgram
	engine   *loyalty.Engine
	handler  *Handler
	router   http.Handler
}

func quiet() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	prog, err := factory.NewProgramFactory().ParseProgram([]byte(factory.StandardProgramJSON("v1")))
	require.NoError(t, err)

	a := &apiHarness{
		t:        t,
		clock:    loyalty.NewManualClock(start),
		mem:      store.NewMemory(),
		programs: loyalty.NewStaticProgram(prog),
	}
	a.engine = loyalty.NewEngine(loyalty.EngineConfig{
		Store:   a.mem,
		Program: a.programs,
		Clock:   a.clock,
		Logger:  quiet(),
	})
	a.handler = NewHandler(a.engine, a.programs, quiet())
	a.router = NewRouter(a.handler, RouterOptions{AuthSecret: testSecret})
	return a
}

// do sends a request; headers are name/value pairs.
func (a *apiHarness) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) token(scopes ...string) string {
	a.t.Helper()
	tok, err := IssueToken(testSecret, "ops", scopes, time.Hour, time.Now())
	require.NoError(a.t, err)
	return "Bearer " + tok
}

func (a *apiHarness) award(customer, order, total string) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, "/api/customers/"+customer+"/awards",
		map[string]any{"order_id": order, "order_total": total})
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// AWARDS
// =============================================================================

func TestAwardPoints_CreatesThenReplays(t *testing.T) {
	a := newAPI(t)

	// WHEN a first order of 1200.00 is awarded
	rec := a.award("cust-1", "ORD-1", "1200.00")

	// THEN 1200 points are earned and the customer reaches Silver
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[AwardResponse](t, rec)
	assert.Equal(t, int64(1200), first.Points)
	assert.Equal(t, int64(1200), first.NewBalance)
	assert.Equal(t, "silver", first.Tier)
	require.NotNil(t, first.TierChange)
	assert.Equal(t, "bronze", first.TierChange.OldTier)
	assert.Equal(t, "upgrade", first.TierChange.Direction)
	assert.False(t, first.Replayed)

	// WHEN the same order is posted again
	rec = a.award("cust-1", "ORD-1", "1200.00")

	// THEN the first result is returned and nothing is credited twice
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[AwardResponse](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Nil(t, again.TierChange)

	acc := decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/customers/cust-1", nil))
	assert.Equal(t, int64(1200), acc.ActivePoints)
}

func TestAwardPoints_ExcludedLineItems(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/customers/cust-1/awards", map[string]any{
		"order_id":    "ORD-1",
		"order_total": 80,
		"line_items": []map[string]any{
			{"sku": "GC-50", "category": "gift_card", "quantity": 1, "unit_price": "50.00"},
			{"sku": "TEE", "category": "apparel", "quantity": 2, "unit_price": 15},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(30), decodeBody[AwardResponse](t, rec).Points)
}

func TestAwardPoints_Validation(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name string
		body any
	}{
		{"zero total", map[string]any{"order_id": "ORD-1", "order_total": "0"}},
		{"negative total", map[string]any{"order_id": "ORD-1", "order_total": "-5"}},
		{"missing order id", map[string]any{"order_total": "10"}},
		{"malformed json", `{"order_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/customers/cust-1/awards", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}

	// Nothing was written.
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/customers/cust-1", nil).Code)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestRedeemPoints_WithIdempotencyKey(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "1200").Code)

	// WHEN 500 points are redeemed as a Silver member
	rec := a.do(http.MethodPost, "/api/customers/cust-1/redemptions",
		map[string]any{"points": 500}, "Idempotency-Key", "checkout-42")

	// THEN the discount includes the 5% Silver bonus
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[RedeemResponse](t, rec)
	assert.Equal(t, "5.25", res.Discount)
	assert.Equal(t, int64(700), res.NewBalance)

	// WHEN the client retries with the same key
	rec = a.do(http.MethodPost, "/api/customers/cust-1/redemptions",
		map[string]any{"points": 500}, "Idempotency-Key", "checkout-42")

	// THEN the original redemption is returned and the balance is unchanged
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[RedeemResponse](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.TransactionID, again.TransactionID)
	assert.Equal(t, int64(700), decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/customers/cust-1", nil)).ActivePoints)

	// WHEN the key is reused for a different amount
	rec = a.do(http.MethodPost, "/api/customers/cust-1/redemptions",
		map[string]any{"points": 300, "idempotency_key": "checkout-42"})

	// THEN it is rejected as a client error
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedeemPoints_NotEnoughPoints(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "250").Code)

	rec := a.do(http.MethodPost, "/api/customers/cust-1/redemptions", map[string]any{"points": 300})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "not enough points", body.Error)
	require.NotNil(t, body.Available)
	require.NotNil(t, body.Requested)
	assert.Equal(t, int64(250), *body.Available)
	assert.Equal(t, int64(300), *body.Requested)
}

func TestRedeemPoints_InvalidAmountsAndUnknownCustomer(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "1000").Code)

	for _, points := range []int64{0, -100, 150} {
		rec := a.do(http.MethodPost, "/api/customers/cust-1/redemptions", map[string]any{"points": points})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "points=%d", points)
	}

	rec := a.do(http.MethodPost, "/api/customers/nobody/redemptions", map[string]any{"points": 100})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuoteRedemption(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "1200").Code)

	rec := a.do(http.MethodGet, "/api/customers/cust-1/redemption-quote?points=500", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decodeBody[QuoteDTO](t, rec)
	assert.Equal(t, "5.25", q.Discount)
	assert.Equal(t, "silver", q.Tier)
	assert.Equal(t, int64(1200), q.Available)
	assert.True(t, q.Sufficient)

	q = decodeBody[QuoteDTO](t, a.do(http.MethodGet, "/api/customers/cust-1/redemption-quote?points=2000", nil))
	assert.False(t, q.Sufficient)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/customers/cust-1/redemption-quote?points=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/customers/cust-1/redemption-quote?points=150", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/customers/nobody/redemption-quote?points=100", nil).Code)

	// Quotes never write.
	txs := decodeBody[[]TransactionDTO](t, a.do(http.MethodGet, "/api/customers/cust-1/transactions", nil))
	assert.Len(t, txs, 1)
}

// =============================================================================
// READS
// =============================================================================

func TestAccountReads(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "400").Code)
	a.clock.AdvanceDays(1)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-2", "300").Code)
	require.Equal(t, http.StatusCreated,
		a.do(http.MethodPost, "/api/customers/cust-1/redemptions", map[string]any{"points": 500}).Code)

	acc := decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/customers/cust-1", nil))
	assert.Equal(t, int64(200), acc.ActivePoints)
	assert.Equal(t, int64(700), acc.LifetimePoints)
	assert.Equal(t, "bronze", acc.Tier)
	assert.Equal(t, "Bronze", acc.TierName)
	require.NotNil(t, acc.NextTier)
	assert.Equal(t, "silver", acc.NextTier.ID)
	assert.Equal(t, int64(300), acc.NextTier.PointsNeeded)

	// Oldest lot is drained first.
	lots := decodeBody[[]LotDTO](t, a.do(http.MethodGet, "/api/customers/cust-1/lots", nil))
	require.Len(t, lots, 2)
	assert.Equal(t, "ORD-1", lots[0].SourceOrderID)
	assert.Equal(t, "consumed", lots[0].Status)
	assert.Equal(t, int64(200), lots[1].PointsRemaining)
	assert.Equal(t, "partially_consumed", lots[1].Status)

	txs := decodeBody[[]TransactionDTO](t, a.do(http.MethodGet, "/api/customers/cust-1/transactions", nil))
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"earn", "earn", "redeem"}, []string{txs[0].Type, txs[1].Type, txs[2].Type})
	assert.Equal(t, int64(-500), txs[2].Points)
	require.NotNil(t, txs[2].Amount)
	assert.Equal(t, "5.00", *txs[2].Amount)

	audit := decodeBody[AuditDTO](t, a.do(http.MethodGet, "/api/customers/cust-1/audit", nil))
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(200), audit.ReplayedActive)
	assert.Empty(t, audit.Drift)

	for _, path := range []string{"", "/lots", "/transactions", "/audit"} {
		assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/customers/nobody"+path, nil).Code, path)
	}
}

func TestAccount_TopTierHasNoNextTier(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "6000").Code)

	acc := decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/customers/cust-1", nil))
	assert.Equal(t, "gold", acc.Tier)
	assert.Nil(t, acc.NextTier)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjustments_RequireAdminScope(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "100").Code)
	path := "/api/admin/customers/cust-1/adjustments"
	body := map[string]any{"delta": 50, "reason": "goodwill"}

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, path, body).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, path, body, "Authorization", "Bearer not-a-jwt").Code)
	assert.Equal(t, http.StatusForbidden,
		a.do(http.MethodPost, path, body, "Authorization", a.token(ScopeMaintenance)).Code)

	other, err := IssueToken("other-secret", "ops", []string{ScopeAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, path, body, "Authorization", "Bearer "+other).Code)

	expired, err := IssueToken(testSecret, "ops", []string{ScopeAdmin}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, path, body, "Authorization", "Bearer "+expired).Code)
}

func TestAdjustments_CreditAndDebit(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "100").Code)
	path := "/api/admin/customers/cust-1/adjustments"
	auth := a.token(ScopeAdmin)

	// WHEN a credit is applied with an idempotency key
	rec := a.do(http.MethodPost, path, map[string]any{"delta": 50, "reason": "goodwill"},
		"Authorization", auth, "Idempotency-Key", "ticket-7")

	// THEN the balance and lifetime points grow
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[AdjustResponse](t, rec)
	assert.Equal(t, "adjust", res.Transaction.Type)
	assert.Equal(t, "goodwill", res.Transaction.Reason)
	assert.Equal(t, int64(150), res.Account.ActivePoints)
	assert.Equal(t, int64(150), res.Account.LifetimePoints)

	// AND a retry is a replay
	rec = a.do(http.MethodPost, path, map[string]any{"delta": 50, "reason": "goodwill"},
		"Authorization", auth, "Idempotency-Key", "ticket-7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[AdjustResponse](t, rec).Replayed)

	// WHEN a debit is larger than the balance
	rec = a.do(http.MethodPost, path, map[string]any{"delta": -500, "reason": "fraud"}, "Authorization", auth)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// WHEN a debit fits
	rec = a.do(http.MethodPost, path, map[string]any{"delta": -30, "reason": "correction"}, "Authorization", auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(120), decodeBody[AdjustResponse](t, rec).Account.ActivePoints)

	// AND a zero delta is invalid
	rec = a.do(http.MethodPost, path, map[string]any{"delta": 0, "reason": "noop"}, "Authorization", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgram_GetAndReplace(t *testing.T) {
	a := newAPI(t)
	auth := a.token(ScopeAdmin)

	doc := decodeBody[factory.ProgramDocument](t, a.do(http.MethodGet, "/api/program", nil))
	assert.Equal(t, "v1", doc.Version)
	require.Len(t, doc.Tiers, 3)

	// WHEN the program is replaced with a doubled earn rate
	doc.Version = "double-points"
	doc.EarnRate = "2"
	rec := a.do(http.MethodPut, "/api/admin/program", doc, "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN new orders earn at the new rate
	assert.Equal(t, int64(200), decodeBody[AwardResponse](t, a.award("cust-1", "ORD-1", "100")).Points)
	assert.Equal(t, "double-points", decodeBody[factory.ProgramDocument](t, a.do(http.MethodGet, "/api/program", nil)).Version)

	// WHEN an invalid tier table is submitted
	doc.Version = "broken"
	doc.Tiers[0].MinLifetimePoints = 10
	rec = a.do(http.MethodPut, "/api/admin/program", doc, "Authorization", auth)

	// THEN it is rejected and the previous program stays
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "double-points", a.programs.Program().Version)

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPut, "/api/admin/program", doc).Code)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestRunMaintenance_ExpiresDueLots(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "300").Code)
	auth := a.token(ScopeMaintenance)

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/api/maintenance/run", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		a.do(http.MethodPost, "/api/maintenance/run", nil, "Authorization", a.token(ScopeAdmin)).Code)

	// WHEN the sweep runs after the 12 month expiry
	a.clock.Set(start.AddDate(1, 0, 1))
	rec := a.do(http.MethodPost, "/api/maintenance/run", nil, "Authorization", auth)

	// THEN the lot is forfeited
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[MaintenanceReportDTO](t, rec)
	assert.Equal(t, 1, report.ExpiredLots)
	assert.Equal(t, int64(300), report.ExpiredPoints)
	assert.Empty(t, report.Failures)

	acc := decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/customers/cust-1", nil))
	assert.Equal(t, int64(0), acc.ActivePoints)
	assert.Equal(t, int64(300), acc.LifetimePoints)
}

func TestRunMaintenance_ConflictWhileLockHeld(t *testing.T) {
	a := newAPI(t)
	require.NoError(t, a.mem.AcquireRunLock(context.Background(), "expiration", "other-node", time.Hour, a.clock.Now()))

	rec := a.do(http.MethodPost, "/api/maintenance/run", nil, "Authorization", a.token(ScopeMaintenance))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunMaintenance_ThroughSchedulerRecordsStatus(t *testing.T) {
	a := newAPI(t)
	sched, err := NewMaintenanceScheduler(a.engine, "@daily", quiet())
	require.NoError(t, err)
	a.handler.Scheduler = sched
	auth := a.token(ScopeMaintenance)

	status := decodeBody[MaintenanceStatusDTO](t, a.do(http.MethodGet, "/api/maintenance/status", nil, "Authorization", auth))
	assert.Nil(t, status.Last)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/maintenance/run", nil, "Authorization", auth).Code)

	status = decodeBody[MaintenanceStatusDTO](t, a.do(http.MethodGet, "/api/maintenance/status", nil, "Authorization", auth))
	require.NotNil(t, status.Last)
	assert.NotEmpty(t, status.Last.RunID)
	assert.Empty(t, status.LastError)

	require.NoError(t, sched.Stop(context.Background()))
	rec := a.do(http.MethodPost, "/api/maintenance/run", nil, "Authorization", auth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_PrivilegedRoutesNeedSecret(t *testing.T) {
	a := newAPI(t)
	router := NewRouter(a.handler, RouterOptions{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/maintenance/run"},
		{http.MethodPost, "/api/admin/customers/cust-1/adjustments"},
		{http.MethodPut, "/api/admin/program"},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

// =============================================================================
// FAILURES AND HEALTH
// =============================================================================

func TestStoreFailuresMapToStatus(t *testing.T) {
	a := newAPI(t)

	a.mem.Fault = func(loyalty.CustomerID) error { return loyalty.ErrStoreUnavailable }
	assert.Equal(t, http.StatusServiceUnavailable, a.award("cust-1", "ORD-1", "10").Code)

	a.mem.Fault = func(loyalty.CustomerID) error { return context.DeadlineExceeded }
	rec := a.award("cust-1", "ORD-1", "10")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "retry")

	a.mem.Fault = nil
	assert.Equal(t, http.StatusCreated, a.award("cust-1", "ORD-1", "10").Code)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[HealthDTO](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "v1", body.ProgramVersion)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
