/*
errors.go - Error kinds for the stock ledger

PURPOSE:
  All error kinds in one place. Callers branch with errors.Is on the
  sentinels; structured errors carry context and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Invariant violations (permanent, never retried):
     ErrUnknownItem, ErrNotFound, ErrInvalidQuantity, ErrInsufficientStock,
     ErrConflict, ErrValidation
  2. Infrastructure faults (transient, caller may retry with backoff):
     ErrUnavailable

  A failed call of either category leaves the ledger exactly as it was.

USAGE:
  _, err := inv.Ledger.Reverse(ctx, id, "miscount", "clerk-7")
  switch {
  case errors.Is(err, inventory.ErrConflict):
      // already reversed, do not retry
  case inventory.IsRetryable(err):
      // storage or lock unavailable, retry later
  }

SEE ALSO:
  - reconcile.go: Applies the retry policy to ErrUnavailable only
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package inventory

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnknownItem       = errors.New("unknown item")
	ErrNotFound          = errors.New("not found")
	ErrInvalidQuantity   = errors.New("invalid quantity: must be a positive integer")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")

	// ErrUnavailable marks transient infrastructure failures (storage down,
	// lock not acquired in time). It is the only retryable kind.
	ErrUnavailable = errors.New("temporarily unavailable")

	// ErrDuplicateIdempotencyKey is returned by stores when a key is reused.
	// The ledger resolves it to the original transaction.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports a mutation that would drive the balance negative.
type InsufficientStockError struct {
	ItemID    ItemID
	Available int64
	Requested int64 // Net reduction the mutation would apply
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: available %d, requested %d",
		e.ItemID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ConflictError reports an invalid state transition.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UnavailableError wraps an infrastructure failure. It matches both
// ErrUnavailable and the underlying cause.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// Unavailable wraps err as transient unless it is already a ledger error kind.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// DriftError reports a running total that disagreed with a full fold.
type DriftError struct {
	ItemID     ItemID
	Running    int64
	Recomputed int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("balance drift on item %s: running %d, fold %d", e.ItemID, e.Running, e.Recomputed)
}

// NotFound builds an ErrNotFound for stores and services.
func NotFound(resource, id string) error {
	return fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
}

// UnknownItem builds an ErrUnknownItem for id.
func UnknownItem(id ItemID) error {
	return fmt.Errorf("item %s: %w", id, ErrUnknownItem)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to invalid input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownItem)
}
