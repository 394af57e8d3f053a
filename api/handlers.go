/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every balance change to loyalty.Engine.

ENDPOINTS:
  Customers:
    POST   /api/customers/{id}/awards             Award points for an order
    POST   /api/customers/{id}/redemptions        Redeem points for a discount
    GET    /api/customers/{id}/redemption-quote   Price a redemption (?points=N)
    GET    /api/customers/{id}                    Account and next tier
    GET    /api/customers/{id}/lots               Point lots, oldest first
    GET    /api/customers/{id}/transactions       Ledger rows in order
    GET    /api/customers/{id}/audit              Replay and drift check

  Program:
    GET    /api/program                           Current program document

  Admin (bearer token, scope loyalty:admin):
    POST   /api/admin/customers/{id}/adjustments  Manual correction
    PUT    /api/admin/program                     Validate and hot-swap program

  Maintenance (bearer token, scope loyalty:maintenance):
    POST   /api/maintenance/run                   Run an expiration sweep now
    GET    /api/maintenance/status                Last report and next run

  Health:
    GET    /healthz                               Store ping

IDEMPOTENCY:
  Awards are keyed by order_id. Redemptions and adjustments take an
  Idempotency-Key header (or idempotency_key in the body). A replayed call
  answers 200 with replayed=true instead of 201.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, key reused with other parameters
  - 401: Missing or invalid bearer token (403 when the scope is missing)
  - 404: Account not found
  - 409: Maintenance already running
  - 422: Not enough points
  - 503: Store unavailable or persistent write conflict
  - 504: Operation timed out (outcome unknown, retry with the same key)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token checks
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/notify"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProgramStore is the program source the admin endpoint can replace.
type ProgramStore interface {
	loyalty.ProgramSource
	Swap(p *loyalty.Program) error
}

// EventStats reports notification delivery counters for /healthz.
type EventStats interface {
	Stats() notify.Stats
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine    *loyalty.Engine
	Programs  ProgramStore
	Factory   *factory.ProgramFactory
	Scheduler *MaintenanceScheduler // optional; nil runs sweeps directly on the engine
	Events    EventStats            // optional
	Log       logrus.FieldLogger
}

// NewHandler creates a handler. Programs must be the source the engine reads.
func NewHandler(engine *loyalty.Engine, programs ProgramStore, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Engine:   engine,
		Programs: programs,
		Factory:  factory.NewProgramFactory(),
		Log:      log,
	}
}

// =============================================================================
// CUSTOMER OPERATIONS
// =============================================================================

// AwardPoints awards points for a completed order.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)

	var req AwardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	items := make([]loyalty.LineItem, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		items = append(items, loyalty.LineItem{
			SKU:       li.SKU,
			Category:  li.Category,
			Quantity:  li.Quantity,
			UnitPrice: li.UnitPrice,
		})
	}

	res, err := h.Engine.Earn(r.Context(), loyalty.EarnRequest{
		CustomerID: customerID,
		OrderID:    req.OrderID,
		OrderTotal: req.OrderTotal,
		LineItems:  items,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, AwardResponse{
		TransactionID: string(res.TransactionID),
		CustomerID:    string(customerID),
		OrderID:       res.Earned.OrderID,
		Points:        res.Earned.Points,
		NewBalance:    res.Earned.NewBalance,
		Tier:          string(res.Earned.Tier),
		TierChange:    toTierChangeDTO(res.TierChange),
		Replayed:      res.Replayed,
	})
}

// RedeemPoints converts points into a discount.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)

	var req RedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Engine.Redeem(r.Context(), loyalty.RedeemRequest{
		CustomerID:     customerID,
		Points:         req.Points,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, RedeemResponse{
		TransactionID: string(res.TransactionID),
		CustomerID:    string(customerID),
		Points:        res.Redeemed.Points,
		Discount:      res.Discount.StringFixed(2),
		NewBalance:    res.Redeemed.NewBalance,
		Replayed:      res.Replayed,
	})
}

// QuoteRedemption prices a redemption without changing anything.
func (h *Handler) QuoteRedemption(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)

	points, err := strconv.ParseInt(r.URL.Query().Get("points"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "points query parameter must be an integer", err)
		return
	}

	q, err := h.Engine.QuoteRedemption(r.Context(), customerID, points)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		CustomerID: string(customerID),
		Points:     q.Points,
		Discount:   q.Discount.StringFixed(2),
		Tier:       string(q.Tier),
		Available:  q.Available,
		Sufficient: q.Sufficient,
	})
}

// GetAccount returns balance, tier and distance to the next tier.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Engine.Account(r.Context(), customerParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc, h.Engine.Program()))
}

// GetLots returns every lot of a customer, including consumed and expired.
func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)
	if !h.requireAccount(w, r, customerID) {
		return
	}
	lots, err := h.Engine.Lots(r.Context(), customerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	loyalty.SortLotsFIFO(lots)
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// GetTransactions returns the customer's ledger in creation order.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)
	if !h.requireAccount(w, r, customerID) {
		return
	}
	txs, err := h.Engine.Transactions(r.Context(), customerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetAudit replays the ledger and reports drift.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Audit(r.Context(), customerParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateAdjustment applies a manual credit or debit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	customerID := customerParam(r)

	var req AdjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Engine.Adjust(r.Context(), loyalty.AdjustRequest{
		CustomerID:     customerID,
		Delta:          req.Delta,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		RevokeLifetime: req.RevokeLifetime,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, AdjustResponse{
		Transaction: toTransactionDTO(res.Transaction),
		Account:     toAccountDTO(&res.Account, h.Engine.Program()),
		TierChange:  toTierChangeDTO(res.TierChange),
		Replayed:    res.Replayed,
	})
}

// GetProgram returns the program operations currently run against.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Factory.ToDocument(h.Programs.Program()))
}

// ReplaceProgram validates a program document and swaps it in. Operations
// already running keep the program they started with.
func (h *Handler) ReplaceProgram(w http.ResponseWriter, r *http.Request) {
	var doc factory.ProgramDocument
	if err := decodeJSON(w, r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	prog, err := h.Factory.FromDocument(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid program", err)
		return
	}
	if err := h.Programs.Swap(prog); err != nil {
		writeError(w, http.StatusBadRequest, "invalid program", err)
		return
	}

	h.logFor(r).WithField("program_version", prog.Version).Info("program replaced via API")
	writeJSON(w, http.StatusOK, h.Factory.ToDocument(h.Programs.Program()))
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// RunMaintenance runs an expiration sweep and returns its report. A client
// disconnect cancels the sweep between customers; the next run resumes.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	var (
		report loyalty.MaintenanceReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Engine.RunMaintenance(r.Context())
	}
	if errors.Is(err, ErrSchedulerStopped) {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down", err)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.logFor(r).WithFields(logrus.Fields{
		"run_id":         report.RunID,
		"expired_points": report.ExpiredPoints,
		"failures":       len(report.Failures),
	}).Info("maintenance run via API")
	writeJSON(w, http.StatusOK, toMaintenanceReportDTO(report))
}

// MaintenanceStatus reports the last run and the next scheduled one.
func (h *Handler) MaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	resp := MaintenanceStatusDTO{}
	if h.Scheduler != nil {
		last, err := h.Scheduler.Last()
		if last != nil {
			dto := toMaintenanceReportDTO(*last)
			resp.Last = &dto
		}
		if err != nil {
			resp.LastError = err.Error()
		}
		if next := h.Scheduler.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health pings the store. It answers 503 when the store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthDTO{Status: "ok", ProgramVersion: h.Programs.Program().Version}
	if h.Events != nil {
		stats := h.Events.Stats()
		resp.Events = &stats
	}
	if err := h.Engine.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func customerParam(r *http.Request) loyalty.CustomerID {
	return loyalty.CustomerID(chi.URLParam(r, "id"))
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return body
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// requireAccount answers 404 for unknown customers so list endpoints do not
// return an empty list for a typo.
func (h *Handler) requireAccount(w http.ResponseWriter, r *http.Request, id loyalty.CustomerID) bool {
	if _, err := h.Engine.Account(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) logFor(r *http.Request) logrus.FieldLogger {
	return h.Log.WithFields(logrus.Fields{
		"request_id":  middleware.GetReqID(r.Context()),
		"customer_id": chi.URLParam(r, "id"),
	})
}

// writeEngineError maps ledger errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *loyalty.InsufficientPointsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "not enough points",
			Details:   err.Error(),
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		writeError(w, http.StatusUnprocessableEntity, "not enough points", err)
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, "account not found", err)
	case errors.Is(err, loyalty.ErrMaintenanceRunning):
		writeError(w, http.StatusConflict, "maintenance already running", err)
	case loyalty.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, context.DeadlineExceeded):
		h.logFor(r).WithError(err).Warn("operation timed out")
		writeError(w, http.StatusGatewayTimeout, "operation timed out, retry with the same idempotency key", err)
	case errors.Is(err, loyalty.ErrStoreUnavailable), errors.Is(err, loyalty.ErrConcurrentModification):
		h.logFor(r).WithError(err).Error("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
	default:
		h.logFor(r).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
