/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations map their driver errors onto these sentinels so the
  engine and the HTTP layer never look at driver-specific errors.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any write, never retried
  2. State errors - Account missing, not enough points
  3. Store errors - Conflicts and transient unavailability

PROPAGATION:
  - Validation errors are returned synchronously to the caller.
  - ErrIdempotencyConflict is never surfaced by the engine: a duplicate earn
    is answered with the previously recorded result.
  - ErrStoreUnavailable and context deadlines are "unknown outcome, safe to
    retry" for Earn (idempotent by order). Redeem is only safe to retry when
    the caller supplies an idempotency key.

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidOrderAmount is returned when an order total is zero or negative.
	ErrInvalidOrderAmount = errors.New("invalid order amount")

	// ErrInvalidRedemptionAmount is returned when a redemption is not a
	// positive multiple of the minimum redemption block.
	ErrInvalidRedemptionAmount = errors.New("invalid redemption amount")

	// ErrInsufficientPoints is returned when a customer tries to spend more
	// than their active balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrInvalidTierConfiguration is returned when a tier table is malformed.
	ErrInvalidTierConfiguration = errors.New("invalid tier configuration")

	// ErrInvalidProgram is returned when non-tier program settings are invalid.
	ErrInvalidProgram = errors.New("invalid program configuration")

	// ErrInvalidRequest is returned for missing identifiers or reasons.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIdempotencyConflict is returned by stores when (customer, key) is
	// already recorded. The engine treats it as a successful replay.
	ErrIdempotencyConflict = errors.New("idempotency key already recorded")

	// ErrAccountNotFound is returned by Redeem/Adjust for unknown customers.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable marks transient storage failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrentModification is returned when an account version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrMaintenanceRunning is returned when another maintenance run holds the lock.
	ErrMaintenanceRunning = errors.New("maintenance already running")

	// ErrMaintenanceLockLost stops a run whose lock was taken over after its TTL.
	ErrMaintenanceLockLost = errors.New("maintenance lock lost")

	// ErrLedgerInconsistent is returned when lots and account totals disagree.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError provides details about a points shortage.
type InsufficientPointsError struct {
	CustomerID CustomerID
	Available  int64
	Requested  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// TierConfigError explains why a tier table was rejected.
type TierConfigError struct {
	TierID TierID
	Reason string
}

func (e *TierConfigError) Error() string {
	if e.TierID == "" {
		return fmt.Sprintf("invalid tier configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid tier configuration: tier %q: %s", e.TierID, e.Reason)
}

func (e *TierConfigError) Unwrap() error { return ErrInvalidTierConfiguration }

// CustomerFailure records one customer a maintenance run could not process.
type CustomerFailure struct {
	CustomerID CustomerID
	Err        error
}

func (f CustomerFailure) Error() string {
	return fmt.Sprintf("customer %s: %v", f.CustomerID, f.Err)
}

func (f CustomerFailure) Unwrap() error { return f.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOrderAmount) ||
		errors.Is(err, ErrInvalidRedemptionAmount) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidTierConfiguration) ||
		errors.Is(err, ErrInvalidProgram)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
