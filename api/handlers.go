/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the inventory engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates to the inventory components.

ENDPOINTS:
  Items:
    GET    /api/items                       List items (?include_inactive=true)
    POST   /api/items                       Create item
    GET    /api/items/{id}                  Get item
    PATCH  /api/items/{id}                  Update metadata
    POST   /api/items/{id}/deactivate       Soft delete (balance must be <= 0)
    GET    /api/items/{id}/balance          Current balance and health
    GET    /api/items/{id}/transactions     History (?from=&to=, RFC 3339)

  Balances:
    GET    /api/balances                    Snapshot of every item

  Transactions:
    GET    /api/transactions                Paginated history (?page=&page_size=&item_id=&direction=&status=&from=&to=)
    POST   /api/transactions                Record a movement
    GET    /api/transactions/{id}           Get transaction
    PATCH  /api/transactions/{id}           Correct quantity or notes
    POST   /api/transactions/{id}/reverse   Reverse
    POST   /api/transactions/{id}/undo-reverse
    GET    /api/transactions/{id}/reversals Reversal history

  Audit:
    GET    /api/audit                       (?item_id=&transaction_id=&actor=&action=&from=&to=&limit=)

ACTOR:
  Every mutation reads its actor from the X-Actor header. Requests are
  assumed to be authenticated upstream.

ERROR HANDLING:
  Errors are returned as ErrorResponse with a stable code:
  - 400: validation, invalid_quantity, bad_request
  - 404: unknown_item, not_found
  - 409: conflict, insufficient_stock
  - 503: unavailable (with Retry-After, retryable=true)
  - 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/inventory"
)

const actorHeader = "X-Actor"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Inv   *inventory.Inventory
	Store inventory.Store
	Log   *slog.Logger

	// Extra dependencies reported by /healthz, e.g. the Redis locker.
	checks    map[string]HealthCheck
	scheduler *DriftScheduler
}

// NewHandler creates a new handler over a wired inventory.
func NewHandler(inv *inventory.Inventory, store inventory.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Inv:    inv,
		Store:  store,
		Log:    log,
		checks: map[string]HealthCheck{"store": store.Ping},
	}
}

// AddHealthCheck registers a dependency for /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// AttachScheduler exposes the last drift verification in /healthz.
func (h *Handler) AttachScheduler(s *DriftScheduler) {
	h.scheduler = s
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// ListItems returns items ordered by name.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	items, err := h.Inv.Items.List(r.Context(), includeInactive)
	if err != nil {
		h.fail(w, r, "Failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateItem registers a new stock item.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	unitCost := decimal.Zero
	if req.UnitCost != "" {
		var err error
		if unitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
			h.fail(w, r, "Invalid unit_cost", &inventory.ValidationError{Field: "unit_cost", Message: "must be a decimal number"})
			return
		}
	}

	item, err := h.Inv.Items.Create(r.Context(), inventory.StockItem{
		ID:           inventory.ItemID(req.ID),
		Name:         req.Name,
		Category:     req.Category,
		Unit:         req.Unit,
		MinThreshold: req.MinThreshold,
		UnitCost:     unitCost,
	}, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to create item", err)
		return
	}

	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Inv.Items.Get(r.Context(), itemID(r))
	if err != nil {
		h.fail(w, r, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// UpdateItem applies a partial metadata update.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := inventory.ItemPatch{
		Name:         req.Name,
		Category:     req.Category,
		Unit:         req.Unit,
		MinThreshold: req.MinThreshold,
	}
	if req.UnitCost != nil {
		cost, err := decimal.NewFromString(*req.UnitCost)
		if err != nil {
			h.fail(w, r, "Invalid unit_cost", &inventory.ValidationError{Field: "unit_cost", Message: "must be a decimal number"})
			return
		}
		patch.UnitCost = &cost
	}

	item, err := h.Inv.Items.Update(r.Context(), itemID(r), patch, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to update item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Inv.Items.Deactivate(r.Context(), itemID(r), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to deactivate item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// GetBalance returns the item's current quantity and health.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Inv.Balances.Snapshot(r.Context(), itemID(r))
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(snap))
}

// GetItemTransactions returns the item's history, reversed entries included.
func (h *Handler) GetItemTransactions(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		h.fail(w, r, "Invalid time range", err)
		return
	}

	txs, err := h.Inv.Ledger.ListByItem(r.Context(), itemID(r), rng)
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListBalances returns a snapshot of every item, ordered by item ID.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Inv.Balances.SnapshotAll(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list balances", err)
		return
	}

	dtos := make([]BalanceDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toBalanceDTO(s))
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ItemID < dtos[j].ItemID })
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns one page of the filtered history.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), "page", 1)
	if err != nil {
		h.fail(w, r, "Invalid page", err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), "page_size", inventory.DefaultPageSize)
	if err != nil {
		h.fail(w, r, "Invalid page_size", err)
		return
	}
	filter, err := parseTransactionFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}

	result, err := h.Inv.Query.Page(r.Context(), filter, page, pageSize)
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, PageDTO{
		Items:      toTransactionDTOs(result.Items),
		TotalCount: result.TotalCount,
		PageNumber: result.PageNumber,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
	})
}

// RecordTransaction records a movement and returns the new balance.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	direction, err := inventory.ParseDirection(req.Direction)
	if err != nil {
		h.fail(w, r, "Invalid direction", err)
		return
	}
	var occurredAt time.Time
	if req.OccurredAt != "" {
		if occurredAt, err = parseTime(req.OccurredAt, "occurred_at"); err != nil {
			h.fail(w, r, "Invalid occurred_at", err)
			return
		}
	}
	key := req.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	res, err := h.Inv.Coordinator.RecordAndRebalance(r.Context(), inventory.RecordInput{
		ItemID:         inventory.ItemID(req.ItemID),
		Direction:      direction,
		Quantity:       req.Quantity,
		Actor:          actor(r),
		Notes:          req.Notes,
		OccurredAt:     occurredAt,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, "Failed to record transaction", err)
		return
	}

	writeJSON(w, http.StatusCreated, MutationResponse{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Inv.Ledger.Get(r.Context(), transactionID(r))
	if err != nil {
		h.fail(w, r, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// UpdateTransaction corrects quantity or notes of an ACTIVE transaction.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req UpdateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Inv.Coordinator.UpdateAndRebalance(r.Context(), transactionID(r),
		inventory.TransactionPatch{Quantity: req.Quantity, Notes: req.Notes}, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to update transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, MutationResponse{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Inv.Coordinator.ReverseAndRebalance(r.Context(), transactionID(r), req.Reason, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reverse transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, ReversalResponse{
		Reversal:    toReversalDTO(res.Reversal),
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

func (h *Handler) UndoReverseTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.Inv.Coordinator.UndoAndRebalance(r.Context(), transactionID(r), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to undo reversal", err)
		return
	}

	writeJSON(w, http.StatusOK, MutationResponse{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

func (h *Handler) ListReversals(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Inv.Ledger.Reversals(r.Context(), transactionID(r))
	if err != nil {
		h.fail(w, r, "Failed to list reversals", err)
		return
	}

	dtos := make([]ReversalDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReversalDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// AUDIT / HEALTH
// =============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rng, err := parseRange(r)
	if err != nil {
		h.fail(w, r, "Invalid time range", err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit", 0)
	if err != nil {
		h.fail(w, r, "Invalid limit", err)
		return
	}

	filter := inventory.AuditFilter{
		ItemID:        inventory.ItemID(q.Get("item_id")),
		TransactionID: inventory.TransactionID(q.Get("transaction_id")),
		Actor:         q.Get("actor"),
		Range:         rng,
		Limit:         limit,
	}
	if actions := q.Get("action"); actions != "" {
		for _, a := range strings.Split(actions, ",") {
			filter.Actions = append(filter.Actions, inventory.AuditAction(strings.TrimSpace(a)))
		}
	}

	entries, err := h.Inv.Query.Audit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list audit entries", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health pings every registered dependency. 503 if any is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "ok",
		Checks:      make(map[string]string, len(h.checks)),
		BalanceMode: h.Inv.Balances.Mode().String(),
		StockPolicy: h.Inv.Ledger.Policy().String(),
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.scheduler != nil {
		if report, ok := h.scheduler.LastReport(); ok {
			dto := &VerifyReportDTO{At: formatTime(report.At), Drifts: len(report.Drifts)}
			if report.Err != nil {
				dto.Error = report.Err.Error()
			}
			resp.LastVerify = dto
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func itemID(r *http.Request) inventory.ItemID {
	return inventory.ItemID(chi.URLParam(r, "id"))
}

func transactionID(r *http.Request) inventory.TransactionID {
	return inventory.TransactionID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func intParam(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &inventory.ValidationError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

func parseTime(raw, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &inventory.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return t.UTC(), nil
}

func parseRange(r *http.Request) (inventory.Range, error) {
	var (
		rng inventory.Range
		err error
	)
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		if rng.From, err = parseTime(raw, "from"); err != nil {
			return rng, err
		}
	}
	if raw := q.Get("to"); raw != "" {
		if rng.To, err = parseTime(raw, "to"); err != nil {
			return rng, err
		}
	}
	return rng, nil
}

func parseTransactionFilter(r *http.Request) (inventory.TransactionFilter, error) {
	q := r.URL.Query()
	rng, err := parseRange(r)
	if err != nil {
		return inventory.TransactionFilter{}, err
	}
	filter := inventory.TransactionFilter{ItemID: inventory.ItemID(q.Get("item_id")), Range: rng}
	if raw := q.Get("direction"); raw != "" {
		if filter.Direction, err = inventory.ParseDirection(raw); err != nil {
			return filter, err
		}
	}
	if raw := q.Get("status"); raw != "" {
		if filter.Status, err = inventory.ParseStatus(raw); err != nil {
			return filter, err
		}
	}
	return filter, nil
}

// statusFor maps an error kind to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, inventory.ErrUnknownItem):
		return http.StatusNotFound, "unknown_item"
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, inventory.ErrConflict), errors.Is(err, inventory.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "conflict"
	case errors.Is(err, inventory.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes a domain error. Server-side failures are logged at Error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, _ := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	_, code := statusFor(err)
	if code == "internal" && status == http.StatusBadRequest {
		code = "bad_request"
	}
	resp := ErrorResponse{Error: message, Code: code, Retryable: inventory.IsRetryable(err)}
	if err != nil {
		resp.Details = err.Error()
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}
