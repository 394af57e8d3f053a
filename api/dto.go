/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external contract: ids become plain strings,
  money is a decimal string with two places, and internal bookkeeping
  (account version, transaction Seq) never leaves the process.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results wrapping several DTOs

TYPES:
  Account:
    AccountDTO, NextTierDTO, LotDTO, TransactionDTO, AuditDTO

  Operations:
    AwardRequest, AwardResponse
    RedeemRequest, RedeemResponse, QuoteDTO
    AdjustRequest, AdjustResponse

  Program:
    factory.ProgramDocument is used as-is for GET and PUT

  Maintenance:
    MaintenanceReportDTO, MaintenanceStatusDTO

  Health:
    HealthDTO

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: ProgramDocument
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/notify"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// AccountDTO represents a customer's loyalty state.
type AccountDTO struct {
	CustomerID     string       `json:"customer_id"`
	ActivePoints   int64        `json:"active_points"`
	LifetimePoints int64        `json:"lifetime_points"`
	Tier           string       `json:"tier"`
	TierName       string       `json:"tier_name,omitempty"`
	TierAnchorDate time.Time    `json:"tier_anchor_date"`
	NextTier       *NextTierDTO `json:"next_tier,omitempty"` // nil at the top tier
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NextTierDTO tells a customer how far the next tier is.
type NextTierDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	PointsNeeded int64  `json:"points_needed"`
}

type LotDTO struct {
	ID               string     `json:"id"`
	PointsGranted    int64      `json:"points_granted"`
	PointsRemaining  int64      `json:"points_remaining"`
	EarnedAt         time.Time  `json:"earned_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	SourceOrderID    string     `json:"source_order_id,omitempty"`
	Status           string     `json:"status"`
	WarningEmittedAt *time.Time `json:"warning_emitted_at,omitempty"`
}

type TransactionDTO struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Points         int64     `json:"points"`
	LifetimeDelta  int64     `json:"lifetime_delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Tier           string    `json:"tier"`
	OrderID        string    `json:"order_id,omitempty"`
	LotID          string    `json:"lot_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Amount         *string   `json:"amount,omitempty"` // order total or discount
	CreatedAt      time.Time `json:"created_at"`
}

// AuditDTO is the result of replaying a customer's ledger.
type AuditDTO struct {
	CustomerID       string   `json:"customer_id"`
	Consistent       bool     `json:"consistent"`
	ActivePoints     int64    `json:"active_points"`
	LifetimePoints   int64    `json:"lifetime_points"`
	ReplayedActive   int64    `json:"replayed_active"`
	ReplayedLifetime int64    `json:"replayed_lifetime"`
	LotRemaining     int64    `json:"lot_remaining"`
	Transactions     int      `json:"transactions"`
	Drift            []string `json:"drift"`
}

// =============================================================================
// AWARD
// =============================================================================

// LineItemRequest is one order line. UnitPrice accepts a JSON number or a
// decimal string.
type LineItemRequest struct {
	SKU       string          `json:"sku"`
	Category  string          `json:"category"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type AwardRequest struct {
	OrderID    string            `json:"order_id"`
	OrderTotal decimal.Decimal   `json:"order_total"`
	LineItems  []LineItemRequest `json:"line_items,omitempty"`
}

type AwardResponse struct {
	TransactionID string         `json:"transaction_id"`
	CustomerID    string         `json:"customer_id"`
	OrderID       string         `json:"order_id"`
	Points        int64          `json:"points"`
	NewBalance    int64          `json:"new_balance"`
	Tier          string         `json:"tier"`
	TierChange    *TierChangeDTO `json:"tier_change,omitempty"`
	Replayed      bool           `json:"replayed"`
}

type TierChangeDTO struct {
	OldTier   string `json:"old_tier"`
	NewTier   string `json:"new_tier"`
	Direction string `json:"direction"`
}

// =============================================================================
// REDEEM
// =============================================================================

// RedeemRequest is the redemption body. The Idempotency-Key header takes
// precedence over the body field.
type RedeemRequest struct {
	Points         int64  `json:"points"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RedeemResponse struct {
	TransactionID string `json:"transaction_id"`
	CustomerID    string `json:"customer_id"`
	Points        int64  `json:"points"`
	Discount      string `json:"discount"`
	NewBalance    int64  `json:"new_balance"`
	Replayed      bool   `json:"replayed"`
}

type QuoteDTO struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	Discount   string `json:"discount"`
	Tier       string `json:"tier"`
	Available  int64  `json:"available"`
	Sufficient bool   `json:"sufficient"`
}

// =============================================================================
// ADJUST
// =============================================================================

type AdjustRequest struct {
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RevokeLifetime bool   `json:"revoke_lifetime,omitempty"`
}

type AdjustResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Account     AccountDTO     `json:"account"`
	TierChange  *TierChangeDTO `json:"tier_change,omitempty"`
	Replayed    bool           `json:"replayed"`
}

// =============================================================================
// MAINTENANCE
// =============================================================================

type MaintenanceReportDTO struct {
	RunID            string               `json:"run_id"`
	StartedAt        time.Time            `json:"started_at"`
	FinishedAt       time.Time            `json:"finished_at"`
	CustomersScanned int                  `json:"customers_scanned"`
	ExpiredLots      int                  `json:"expired_lots"`
	ExpiredPoints    int64                `json:"expired_points"`
	WarningsEmitted  int                  `json:"warnings_emitted"`
	TierChanges      int                  `json:"tier_changes"`
	Failures         []CustomerFailureDTO `json:"failures"`
	Resumed          bool                 `json:"resumed"`
	Cancelled        bool                 `json:"cancelled"`
}

type CustomerFailureDTO struct {
	CustomerID string `json:"customer_id"`
	Error      string `json:"error"`
}

type MaintenanceStatusDTO struct {
	Last      *MaintenanceReportDTO `json:"last"`
	LastError string                `json:"last_error,omitempty"`
	NextRun   *time.Time            `json:"next_run,omitempty"`
}

type HealthDTO struct {
	Status         string        `json:"status"`
	ProgramVersion string        `json:"program_version,omitempty"`
	Events         *notify.Stats `json:"events,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Set on 422 responses so clients can show the shortfall.
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(acc *loyalty.Account, prog *loyalty.Program) AccountDTO {
	dto := AccountDTO{
		CustomerID:     string(acc.CustomerID),
		ActivePoints:   acc.ActivePoints,
		LifetimePoints: acc.LifetimePoints,
		Tier:           string(acc.Tier),
		TierAnchorDate: acc.TierAnchorDate,
		CreatedAt:      acc.CreatedAt,
		UpdatedAt:      acc.UpdatedAt,
	}
	if t, ok := prog.TierByID(acc.Tier); ok {
		dto.TierName = t.Name
	}
	// Tiers are sorted ascending, so the first one above lifetime is next.
	for _, t := range prog.Tiers {
		if t.MinLifetimePoints > acc.LifetimePoints {
			dto.NextTier = &NextTierDTO{
				ID:           string(t.ID),
				Name:         t.Name,
				PointsNeeded: t.MinLifetimePoints - acc.LifetimePoints,
			}
			break
		}
	}
	return dto
}

func toLotDTOs(lots []loyalty.PointLot) []LotDTO {
	out := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		out = append(out, LotDTO{
			ID:               string(l.ID),
			PointsGranted:    l.PointsGranted,
			PointsRemaining:  l.PointsRemaining,
			EarnedAt:         l.EarnedAt,
			ExpiresAt:        l.ExpiresAt,
			SourceOrderID:    l.SourceOrderID,
			Status:           string(l.Status),
			WarningEmittedAt: l.WarningEmittedAt,
		})
	}
	return out
}

func toTransactionDTO(t loyalty.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(t.ID),
		Type:           string(t.Type),
		Points:         t.Points,
		LifetimeDelta:  t.LifetimeDelta,
		BalanceAfter:   t.BalanceAfter,
		Tier:           string(t.Tier),
		OrderID:        t.RelatedOrderID,
		LotID:          string(t.LotID),
		IdempotencyKey: t.IdempotencyKey,
		Reason:         t.Reason,
		CreatedAt:      t.CreatedAt,
	}
	if !t.Amount.IsZero() {
		s := t.Amount.StringFixed(2)
		dto.Amount = &s
	}
	return dto
}

func toTransactionDTOs(txs []loyalty.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionDTO(t))
	}
	return out
}

func toTierChangeDTO(c *loyalty.TierChangeEvent) *TierChangeDTO {
	if c == nil {
		return nil
	}
	return &TierChangeDTO{
		OldTier:   string(c.OldTier),
		NewTier:   string(c.NewTier),
		Direction: string(c.Direction),
	}
}

func toAuditDTO(r loyalty.AuditReport) AuditDTO {
	drift := r.Drift
	if drift == nil {
		drift = []string{}
	}
	return AuditDTO{
		CustomerID:       string(r.CustomerID),
		Consistent:       r.Consistent(),
		ActivePoints:     r.Account.ActivePoints,
		LifetimePoints:   r.Account.LifetimePoints,
		ReplayedActive:   r.ReplayedActive,
		ReplayedLifetime: r.ReplayedLifetime,
		LotRemaining:     r.LotRemaining,
		Transactions:     r.Transactions,
		Drift:            drift,
	}
}

func toMaintenanceReportDTO(r loyalty.MaintenanceReport) MaintenanceReportDTO {
	failures := make([]CustomerFailureDTO, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, CustomerFailureDTO{CustomerID: string(f.CustomerID), Error: f.Err.Error()})
	}
	return MaintenanceReportDTO{
		RunID:            r.RunID,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		CustomersScanned: r.CustomersScanned,
		ExpiredLots:      r.ExpiredLots,
		ExpiredPoints:    r.ExpiredPoints,
		WarningsEmitted:  r.WarningsEmitted,
		TierChanges:      r.TierChanges,
		Failures:         failures,
		Resumed:          r.Resumed,
		Cancelled:        r.Cancelled,
	}
}
