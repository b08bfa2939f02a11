/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract:
  - Decimals travel as strings (no float rounding)
  - Times travel as RFC 3339 with nanoseconds, UTC
  - Enums travel as their upper-case names

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Compound response wrappers

VALIDATION:
  Validation is done by the inventory package, not in DTOs. Handlers only
  reject bodies that do not parse.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// =============================================================================
// ITEMS
// =============================================================================

type ItemDTO struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Category      string  `json:"category,omitempty"`
	Unit          string  `json:"unit"`
	MinThreshold  int64   `json:"min_threshold"`
	UnitCost      string  `json:"unit_cost"`
	Active        bool    `json:"active"`
	DeactivatedAt *string `json:"deactivated_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type CreateItemRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Unit         string `json:"unit"`
	MinThreshold int64  `json:"min_threshold"`
	UnitCost     string `json:"unit_cost,omitempty"`
}

// UpdateItemRequest carries a partial update; absent fields are unchanged.
type UpdateItemRequest struct {
	Name         *string `json:"name,omitempty"`
	Category     *string `json:"category,omitempty"`
	Unit         *string `json:"unit,omitempty"`
	MinThreshold *int64  `json:"min_threshold,omitempty"`
	UnitCost     *string `json:"unit_cost,omitempty"`
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	ItemID       string `json:"item_id"`
	Quantity     int64  `json:"quantity"`
	MinThreshold int64  `json:"min_threshold"`
	Health       string `json:"health"`
	Value        string `json:"value"`
	AsOf         string `json:"as_of"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	ItemID         string `json:"item_id"`
	Direction      string `json:"direction"`
	Quantity       int64  `json:"quantity"`
	Actor          string `json:"actor"`
	OccurredAt     string `json:"occurred_at"`
	Notes          string `json:"notes,omitempty"`
	Status         string `json:"status"`
	ReversalID     string `json:"reversal_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// RecordRequest records a movement. The Idempotency-Key header, when set,
// takes precedence over idempotency_key in the body.
type RecordRequest struct {
	ItemID         string `json:"item_id"`
	Direction      string `json:"direction"`
	Quantity       int64  `json:"quantity"`
	Notes          string `json:"notes,omitempty"`
	OccurredAt     string `json:"occurred_at,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type UpdateTransactionRequest struct {
	Quantity *int64  `json:"quantity,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

// MutationResponse is a transaction together with the balance it produced.
type MutationResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
}

type ReversalDTO struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	ItemID        string  `json:"item_id"`
	Reason        string  `json:"reason,omitempty"`
	Actor         string  `json:"actor"`
	ReversedAt    string  `json:"reversed_at"`
	State         string  `json:"state"`
	UndoneBy      string  `json:"undone_by,omitempty"`
	UndoneAt      *string `json:"undone_at,omitempty"`
}

type ReversalResponse struct {
	Reversal    ReversalDTO    `json:"reversal"`
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
}

type PageDTO struct {
	Items      []TransactionDTO `json:"items"`
	TotalCount int              `json:"total_count"`
	PageNumber int              `json:"page_number"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
}

// =============================================================================
// AUDIT / HEALTH / ERRORS
// =============================================================================

type AuditEntryDTO struct {
	ID            string            `json:"id"`
	At            string            `json:"at"`
	Actor         string            `json:"actor"`
	Action        string            `json:"action"`
	ItemID        string            `json:"item_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	BalanceMode string            `json:"balance_mode"`
	StockPolicy string            `json:"stock_policy"`
	LastVerify  *VerifyReportDTO  `json:"last_verify,omitempty"`
}

type VerifyReportDTO struct {
	At     string `json:"at"`
	Drifts int    `json:"drifts"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Details   string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toItemDTO(item inventory.StockItem) ItemDTO {
	return ItemDTO{
		ID:            string(item.ID),
		Name:          item.Name,
		Category:      item.Category,
		Unit:          item.Unit,
		MinThreshold:  item.MinThreshold,
		UnitCost:      item.UnitCost.String(),
		Active:        item.Active,
		DeactivatedAt: formatTimePtr(item.DeactivatedAt),
		CreatedAt:     formatTime(item.CreatedAt),
		UpdatedAt:     formatTime(item.UpdatedAt),
	}
}

func toBalanceDTO(s inventory.BalanceSnapshot) BalanceDTO {
	return BalanceDTO{
		ItemID:       string(s.ItemID),
		Quantity:     s.Quantity,
		MinThreshold: s.MinThreshold,
		Health:       string(s.Health),
		Value:        s.Value.StringFixed(2),
		AsOf:         formatTime(s.AsOf),
	}
}

func toTransactionDTO(tx inventory.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		Seq:            tx.Seq,
		ItemID:         string(tx.ItemID),
		Direction:      string(tx.Direction),
		Quantity:       tx.Quantity,
		Actor:          tx.Actor,
		OccurredAt:     formatTime(tx.OccurredAt),
		Notes:          tx.Notes,
		Status:         string(tx.Status),
		ReversalID:     string(tx.ReversalID),
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      formatTime(tx.CreatedAt),
		UpdatedAt:      formatTime(tx.UpdatedAt),
	}
}

func toTransactionDTOs(txs []inventory.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toReversalDTO(r inventory.ReversalRecord) ReversalDTO {
	return ReversalDTO{
		ID:            string(r.ID),
		TransactionID: string(r.TransactionID),
		ItemID:        string(r.ItemID),
		Reason:        r.Reason,
		Actor:         r.Actor,
		ReversedAt:    formatTime(r.ReversedAt),
		State:         string(r.State),
		UndoneBy:      r.UndoneBy,
		UndoneAt:      formatTimePtr(r.UndoneAt),
	}
}

func toAuditEntryDTO(e inventory.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		At:            formatTime(e.At),
		Actor:         e.Actor,
		Action:        string(e.Action),
		ItemID:        string(e.ItemID),
		TransactionID: string(e.TransactionID),
		Details:       e.Details,
	}
}
