/*
handlers_test.go - HTTP tests for the stock ledger API

Tests for:
- Record / balance / reverse / undo flow through the router
- Error mapping (400, 404, 409, 503 with Retry-After)
- Pagination and the audit endpoint
- /healthz with failing dependencies and the drift scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/inventory/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts inventory.Options) *testServer {
	t.Helper()
	mem := store.NewMemory()
	opts.Logger = quietLogger()
	inv := inventory.New(mem, opts)
	h := NewHandler(inv, mem, quietLogger())
	return &testServer{t: t, handler: h, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "clerk-7")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createItem(id string, min int64) ItemDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/items", CreateItemRequest{ID: id, Name: "Item " + id, Unit: "pcs", MinThreshold: min})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ItemDTO](s.t, rec)
}

func (s *testServer) record(itemID, dir string, qty int64) MutationResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/transactions", RecordRequest{ItemID: itemID, Direction: dir, Quantity: qty})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MutationResponse](s.t, rec)
}

// =============================================================================
// FLOW
// =============================================================================

func TestAPI_RecordReverseUndoFlow(t *testing.T) {
	// GIVEN: Item A with threshold 10
	// WHEN: IN 50, OUT 45, reverse the OUT, undo the reversal
	// THEN: Balances 50 OK, 5 LOW, 50 OK, 5 LOW

	s := newTestServer(t, inventory.Options{})
	item := s.createItem("item-a", 10)
	assert.True(t, item.Active)

	in := s.record("item-a", "IN", 50)
	assert.Equal(t, int64(50), in.Balance.Quantity)
	assert.Equal(t, "OK", in.Balance.Health)
	assert.Equal(t, "clerk-7", in.Transaction.Actor)

	out := s.record("item-a", "out", 45)
	assert.Equal(t, "OUT", out.Transaction.Direction)
	assert.Equal(t, int64(5), out.Balance.Quantity)
	assert.Equal(t, "LOW", out.Balance.Health)

	rec := s.do(http.MethodPost, "/api/transactions/"+out.Transaction.ID+"/reverse", ReverseRequest{Reason: "counted twice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rev := decode[ReversalResponse](t, rec)
	assert.Equal(t, "REVERSED", rev.Transaction.Status)
	assert.Equal(t, rev.Reversal.ID, rev.Transaction.ReversalID)
	assert.Equal(t, int64(50), rev.Balance.Quantity)

	rec = s.do(http.MethodPost, "/api/transactions/"+out.Transaction.ID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/transactions/"+out.Transaction.ID+"/undo-reverse", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	undo := decode[MutationResponse](t, rec)
	assert.Equal(t, "ACTIVE", undo.Transaction.Status)
	assert.Equal(t, int64(5), undo.Balance.Quantity)

	rec = s.do(http.MethodGet, "/api/items/item-a/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.Equal(t, int64(5), bal.Quantity)
	assert.Equal(t, "LOW", bal.Health)

	rec = s.do(http.MethodGet, "/api/transactions/"+out.Transaction.ID+"/reversals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decode[[]ReversalDTO](t, rec)
	require.Len(t, recs, 1)
	assert.Equal(t, "UNDONE", recs[0].State)
	assert.Equal(t, "counted twice", recs[0].Reason)
	assert.NotNil(t, recs[0].UndoneAt)

	rec = s.do(http.MethodGet, "/api/items/item-a/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]TransactionDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, in.Transaction.ID, history[0].ID)
}

func TestAPI_UpdateTransaction(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)
	in := s.record("flour", "IN", 10)

	qty := int64(12)
	rec := s.do(http.MethodPatch, "/api/transactions/"+in.Transaction.ID, UpdateTransactionRequest{Quantity: &qty})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(12), decode[MutationResponse](t, rec).Balance.Quantity)

	rec = s.do(http.MethodGet, "/api/transactions/"+in.Transaction.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(12), decode[TransactionDTO](t, rec).Quantity)
}

func TestAPI_IdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)
	body := RecordRequest{ItemID: "flour", Direction: "IN", Quantity: 5}

	first := s.do(http.MethodPost, "/api/transactions", body, "Idempotency-Key", "delivery-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(http.MethodPost, "/api/transactions", body, "Idempotency-Key", "delivery-1")
	require.Equal(t, http.StatusCreated, second.Code)

	a, b := decode[MutationResponse](t, first), decode[MutationResponse](t, second)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
	assert.Equal(t, int64(5), b.Balance.Quantity)

	body.Quantity = 6
	rec := s.do(http.MethodPost, "/api/transactions", body, "Idempotency-Key", "delivery-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ItemLifecycle(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 5)
	s.record("flour", "IN", 3)

	cost := "2.40"
	rec := s.do(http.MethodPatch, "/api/items/flour", UpdateItemRequest{UnitCost: &cost})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2.4", decode[ItemDTO](t, rec).UnitCost)

	rec = s.do(http.MethodGet, "/api/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bals := decode[[]BalanceDTO](t, rec)
	require.Len(t, bals, 1)
	assert.Equal(t, "7.20", bals[0].Value)

	rec = s.do(http.MethodPost, "/api/items/flour/deactivate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.record("flour", "OUT", 3)
	rec = s.do(http.MethodPost, "/api/items/flour/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ItemDTO](t, rec).Active)

	rec = s.do(http.MethodGet, "/api/items", nil)
	assert.Empty(t, decode[[]ItemDTO](t, rec))
	rec = s.do(http.MethodGet, "/api/items?include_inactive=true", nil)
	assert.Len(t, decode[[]ItemDTO](t, rec), 1)

	rec = s.do(http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "IN", Quantity: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, &inventory.UnavailableError{Op: "lock item", Err: errors.New("redis down")}
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)
	s.record("flour", "IN", 2)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed body", http.MethodPost, "/api/transactions", "{", http.StatusBadRequest, "bad_request"},
		{"unknown field", http.MethodPost, "/api/transactions", `{"item":"flour"}`, http.StatusBadRequest, "bad_request"},
		{"zero quantity", http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "IN"}, http.StatusBadRequest, "invalid_quantity"},
		{"bad direction", http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "UP", Quantity: 1}, http.StatusBadRequest, "validation"},
		{"bad occurred_at", http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "IN", Quantity: 1, OccurredAt: "yesterday"}, http.StatusBadRequest, "validation"},
		{"unknown item", http.MethodPost, "/api/transactions", RecordRequest{ItemID: "ghost", Direction: "IN", Quantity: 1}, http.StatusNotFound, "unknown_item"},
		{"insufficient stock", http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "OUT", Quantity: 3}, http.StatusConflict, "insufficient_stock"},
		{"missing transaction", http.MethodGet, "/api/transactions/ghost", nil, http.StatusNotFound, "not_found"},
		{"undo of missing transaction", http.MethodPost, "/api/transactions/ghost/undo-reverse", nil, http.StatusNotFound, "not_found"},
		{"missing item", http.MethodGet, "/api/items/ghost/balance", nil, http.StatusNotFound, "unknown_item"},
		{"bad page", http.MethodGet, "/api/transactions?page=0", nil, http.StatusBadRequest, "validation"},
		{"non-numeric page", http.MethodGet, "/api/transactions?page=x", nil, http.StatusBadRequest, "validation"},
		{"bad status filter", http.MethodGet, "/api/transactions?status=gone", nil, http.StatusBadRequest, "validation"},
		{"bad range", http.MethodGet, "/api/items/flour/transactions?from=2025-03-10T10:00:00Z&to=2025-03-10T09:00:00Z", nil, http.StatusBadRequest, "validation"},
		{"bad unit_cost", http.MethodPost, "/api/items", CreateItemRequest{Name: "Salt", Unit: "kg", UnitCost: "cheap"}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.False(t, resp.Retryable)
		})
	}

	rec := s.do(http.MethodGet, "/api/items/flour/balance", nil)
	assert.Equal(t, int64(2), decode[BalanceDTO](t, rec).Quantity, "failed calls changed nothing")
}

func TestAPI_MissingActor(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)

	rec := s.do(http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "IN", Quantity: 1}, actorHeader, " ")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)
}

func TestAPI_Unavailable(t *testing.T) {
	// GIVEN: A locker that cannot be reached
	// WHEN: A movement is recorded
	// THEN: 503, retryable, with Retry-After

	s := newTestServer(t, inventory.Options{Locker: failingLocker{}})
	s.createItem("flour", 0)

	rec := s.do(http.MethodPost, "/api/transactions", RecordRequest{ItemID: "flour", Direction: "IN", Quantity: 1})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "unavailable", resp.Code)
	assert.True(t, resp.Retryable)
}

// =============================================================================
// PAGINATION / AUDIT
// =============================================================================

func TestAPI_Pagination(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)
	for i := 0; i < 25; i++ {
		s.record("flour", "IN", 1)
	}

	seen := map[string]bool{}
	for page, want := range map[int]int{1: 10, 2: 10, 3: 5, 4: 0} {
		rec := s.do(http.MethodGet, "/api/transactions?page_size=10&page="+strconv.Itoa(page), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		p := decode[PageDTO](t, rec)
		assert.Len(t, p.Items, want)
		assert.NotNil(t, p.Items, "empty page is [] not null")
		assert.Equal(t, 25, p.TotalCount)
		assert.Equal(t, 3, p.TotalPages)
		assert.Equal(t, page, p.PageNumber)
		for _, tx := range p.Items {
			seen[tx.ID] = true
		}
	}
	assert.Len(t, seen, 25)

	rec := s.do(http.MethodGet, "/api/transactions?page_size=500&direction=in&item_id=flour", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PageDTO](t, rec)
	assert.Equal(t, inventory.MaxPageSize, p.PageSize)
	assert.Equal(t, 25, p.TotalCount)
}

func TestAPI_Audit(t *testing.T) {
	s := newTestServer(t, inventory.Options{})
	s.createItem("flour", 0)
	in := s.record("flour", "IN", 4)
	rec := s.do(http.MethodPost, "/api/transactions/"+in.Transaction.ID+"/reverse", ReverseRequest{Reason: "wrong item"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/audit?item_id=flour&action=stock_recorded,transaction_reversed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "stock_recorded", entries[0].Action)
	assert.Equal(t, "transaction_reversed", entries[1].Action)
	assert.Equal(t, "wrong item", entries[1].Details["reason"])
	assert.Equal(t, "clerk-7", entries[1].Actor)

	rec = s.do(http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AuditEntryDTO](t, rec), 1)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t, inventory.Options{})

	rec := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Checks["store"])
	assert.Equal(t, "incremental", health.BalanceMode)
	assert.Equal(t, "block", health.StockPolicy)
	assert.Nil(t, health.LastVerify)

	scheduler := NewDriftScheduler(s.handler.Inv.Balances, quietLogger())
	scheduler.RunOnce(context.Background())
	s.handler.AttachScheduler(scheduler)
	s.handler.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec = s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connection refused", health.Checks["redis"])
	require.NotNil(t, health.LastVerify)
	assert.Equal(t, 0, health.LastVerify.Drifts)
}

// =============================================================================
// DRIFT SCHEDULER
// =============================================================================

type stubVerifier struct {
	drifts []*inventory.DriftError
	err    error
	calls  chan struct{}
}

func (v *stubVerifier) VerifyAll(context.Context) ([]*inventory.DriftError, error) {
	if v.calls != nil {
		select {
		case v.calls <- struct{}{}:
		default:
		}
	}
	return v.drifts, v.err
}

func TestDriftScheduler_RunOnce(t *testing.T) {
	v := &stubVerifier{drifts: []*inventory.DriftError{{ItemID: "flour", Running: 3, Recomputed: 4}}}
	ds := NewDriftScheduler(v, quietLogger())

	_, ok := ds.LastReport()
	assert.False(t, ok)

	report := ds.RunOnce(context.Background())
	assert.Len(t, report.Drifts, 1)
	assert.NoError(t, report.Err)

	v.err = errors.New("store down")
	ds.RunOnce(context.Background())
	last, ok := ds.LastReport()
	require.True(t, ok)
	assert.EqualError(t, last.Err, "store down")
}

func TestDriftScheduler_StartStop(t *testing.T) {
	v := &stubVerifier{calls: make(chan struct{}, 16)}
	ds := NewDriftScheduler(v, quietLogger())
	ds.CheckInterval = 5 * time.Millisecond

	ds.Start()
	ds.Start() // already running
	for i := 0; i < 2; i++ {
		select {
		case <-v.calls:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not run")
		}
	}
	ds.Stop()
	ds.Stop()

	_, ok := ds.LastReport()
	assert.True(t, ok)

	disabled := NewDriftScheduler(v, quietLogger())
	disabled.CheckInterval = 0
	disabled.Start()
	disabled.Stop()
}
