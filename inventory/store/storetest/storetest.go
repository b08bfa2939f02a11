// Package storetest holds behaviour checks shared by every inventory.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
)

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort")

// Run exercises a store against the behaviour the ledger depends on.
// newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) inventory.Store) {
	t.Run("Items", func(t *testing.T) { testItems(t, newStore(t)) })
	t.Run("TransactionOrdering", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("SaveTransaction", func(t *testing.T) { testSaveTransaction(t, newStore(t)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("QueryPaging", func(t *testing.T) { testPaging(t, newStore(t)) })
	t.Run("Reversals", func(t *testing.T) { testReversals(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("WithTxCommit", func(t *testing.T) { testCommit(t, newStore(t)) })
}

func item(id string) inventory.StockItem {
	return inventory.StockItem{
		ID: inventory.ItemID(id), Name: "Item " + id, Category: "dry", Unit: "kg",
		MinThreshold: 5, UnitCost: decimal.RequireFromString("2.50"), Active: true,
		CreatedAt: base, UpdatedAt: base,
	}
}

func movement(id string, itemID string, dir inventory.Direction, qty int64, at time.Time) inventory.Transaction {
	return inventory.Transaction{
		ID: inventory.TransactionID(id), ItemID: inventory.ItemID(itemID), Direction: dir, Quantity: qty,
		Actor: "clerk", OccurredAt: at, Status: inventory.StatusActive, CreatedAt: at, UpdatedAt: at,
	}
}

func ids(txs []inventory.Transaction) []inventory.TransactionID {
	out := make([]inventory.TransactionID, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

func testItems(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("sugar")))
	require.NoError(t, s.CreateItem(ctx, item("flour")))
	assert.ErrorIs(t, s.CreateItem(ctx, item("flour")), inventory.ErrConflict)

	got, err := s.GetItem(ctx, "flour")
	require.NoError(t, err)
	assert.Equal(t, "Item flour", got.Name)
	assert.True(t, got.UnitCost.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.DeactivatedAt)

	_, err = s.GetItem(ctx, "ghost")
	assert.ErrorIs(t, err, inventory.ErrUnknownItem)
	assert.ErrorIs(t, s.SaveItem(ctx, item("ghost")), inventory.ErrUnknownItem)

	off := base.Add(time.Hour)
	got.Active = false
	got.DeactivatedAt = &off
	require.NoError(t, s.SaveItem(ctx, got))

	active, err := s.ListItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, inventory.ItemID("sugar"), active[0].ID)

	all, err := s.ListItems(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, inventory.ItemID("flour"), all[0].ID, "ordered by name")
	require.NotNil(t, all[0].DeactivatedAt)
	assert.True(t, all[0].DeactivatedAt.Equal(off))
}

func testOrdering(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))

	// Appended out of time order; two share a timestamp.
	for _, tx := range []inventory.Transaction{
		movement("late", "flour", inventory.DirectionIn, 1, base.Add(2*time.Hour)),
		movement("tie-1", "flour", inventory.DirectionIn, 1, base.Add(time.Hour)),
		movement("early", "flour", inventory.DirectionIn, 1, base),
		movement("tie-2", "flour", inventory.DirectionOut, 1, base.Add(time.Hour)),
	} {
		stored, err := s.AppendTransaction(ctx, tx)
		require.NoError(t, err)
		assert.Positive(t, stored.Seq)
	}

	_, err := s.AppendTransaction(ctx, movement("early", "flour", inventory.DirectionIn, 1, base))
	assert.ErrorIs(t, err, inventory.ErrConflict)

	txs, total, err := s.QueryTransactions(ctx, inventory.TransactionQuery{
		Filter: inventory.TransactionFilter{ItemID: "flour"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []inventory.TransactionID{"early", "tie-1", "tie-2", "late"}, ids(txs))

	// Range bounds are inclusive.
	txs, _, err = s.QueryTransactions(ctx, inventory.TransactionQuery{
		Filter: inventory.TransactionFilter{Range: inventory.Range{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []inventory.TransactionID{"tie-1", "tie-2", "late"}, ids(txs))

	txs, _, err = s.QueryTransactions(ctx, inventory.TransactionQuery{
		Filter: inventory.TransactionFilter{Direction: inventory.DirectionOut},
	})
	require.NoError(t, err)
	assert.Equal(t, []inventory.TransactionID{"tie-2"}, ids(txs))

	_, err = s.GetTransaction(ctx, "ghost")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func testSaveTransaction(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))
	stored, err := s.AppendTransaction(ctx, movement("tx", "flour", inventory.DirectionIn, 4, base))
	require.NoError(t, err)

	edited := stored
	edited.Quantity = 9
	edited.Notes = "recount"
	edited.Status = inventory.StatusReversed
	edited.ReversalID = "rev-1"
	edited.UpdatedAt = base.Add(time.Minute)
	edited.OccurredAt = base.Add(24 * time.Hour) // not mutable
	require.NoError(t, s.SaveTransaction(ctx, edited))

	got, err := s.GetTransaction(ctx, "tx")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Quantity)
	assert.Equal(t, "recount", got.Notes)
	assert.Equal(t, inventory.StatusReversed, got.Status)
	assert.Equal(t, inventory.ReversalID("rev-1"), got.ReversalID)
	assert.True(t, got.OccurredAt.Equal(base))
	assert.Equal(t, stored.Seq, got.Seq)

	assert.ErrorIs(t, s.SaveTransaction(ctx, movement("ghost", "flour", inventory.DirectionIn, 1, base)), inventory.ErrNotFound)
}

func testIdempotency(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))

	tx := movement("tx-1", "flour", inventory.DirectionIn, 4, base)
	tx.IdempotencyKey = "delivery-42"
	_, err := s.AppendTransaction(ctx, tx)
	require.NoError(t, err)

	dup := movement("tx-2", "flour", inventory.DirectionIn, 4, base)
	dup.IdempotencyKey = "delivery-42"
	_, err = s.AppendTransaction(ctx, dup)
	assert.ErrorIs(t, err, inventory.ErrDuplicateIdempotencyKey)

	got, ok, err := s.FindByIdempotencyKey(ctx, "delivery-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inventory.TransactionID("tx-1"), got.ID)

	_, ok, err = s.FindByIdempotencyKey(ctx, "unused")
	require.NoError(t, err)
	assert.False(t, ok)

	// Movements without a key never collide.
	_, err = s.AppendTransaction(ctx, movement("tx-3", "flour", inventory.DirectionIn, 1, base))
	require.NoError(t, err)
	_, err = s.AppendTransaction(ctx, movement("tx-4", "flour", inventory.DirectionIn, 1, base))
	require.NoError(t, err)
}

func testPaging(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))
	for i := 0; i < 7; i++ {
		_, err := s.AppendTransaction(ctx, movement(
			"tx-"+string(rune('a'+i)), "flour", inventory.DirectionIn, 1, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	txs, total, err := s.QueryTransactions(ctx, inventory.TransactionQuery{Offset: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, []inventory.TransactionID{"tx-c", "tx-d", "tx-e"}, ids(txs))

	txs, total, err = s.QueryTransactions(ctx, inventory.TransactionQuery{Offset: 6, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, []inventory.TransactionID{"tx-g"}, ids(txs))

	txs, total, err = s.QueryTransactions(ctx, inventory.TransactionQuery{Offset: 10, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Empty(t, txs)

	txs, total, err = s.QueryTransactions(ctx, inventory.TransactionQuery{Offset: math.MaxInt, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Empty(t, txs)
}

func testReversals(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))
	_, err := s.AppendTransaction(ctx, movement("tx", "flour", inventory.DirectionOut, 2, base))
	require.NoError(t, err)

	rec := inventory.ReversalRecord{
		ID: "rev-1", TransactionID: "tx", ItemID: "flour", Reason: "wrong item",
		Actor: "clerk", ReversedAt: base, State: inventory.ReversalApplied,
	}
	require.NoError(t, s.CreateReversal(ctx, rec))
	assert.ErrorIs(t, s.CreateReversal(ctx, rec), inventory.ErrConflict)

	undone := base.Add(time.Hour)
	rec.State = inventory.ReversalUndone
	rec.UndoneBy = "manager"
	rec.UndoneAt = &undone
	require.NoError(t, s.SaveReversal(ctx, rec))

	second := inventory.ReversalRecord{
		ID: "rev-2", TransactionID: "tx", ItemID: "flour", Actor: "clerk",
		ReversedAt: base.Add(2 * time.Hour), State: inventory.ReversalApplied,
	}
	require.NoError(t, s.CreateReversal(ctx, second))

	recs, err := s.ListReversals(ctx, "tx")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, inventory.ReversalID("rev-1"), recs[0].ID)
	assert.Equal(t, inventory.ReversalUndone, recs[0].State)
	assert.Equal(t, "manager", recs[0].UndoneBy)
	require.NotNil(t, recs[0].UndoneAt)
	assert.True(t, recs[0].UndoneAt.Equal(undone))
	assert.Equal(t, inventory.ReversalApplied, recs[1].State)

	ghost := second
	ghost.ID = "rev-ghost"
	assert.ErrorIs(t, s.SaveReversal(ctx, ghost), inventory.ErrNotFound)

	recs, err = s.ListReversals(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testAudit(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	for i, a := range []inventory.AuditAction{
		inventory.AuditItemCreated, inventory.AuditStockRecorded, inventory.AuditReversed, inventory.AuditStockRecorded,
	} {
		require.NoError(t, s.AppendAudit(ctx, inventory.AuditEntry{
			ID: "audit-" + string(rune('a'+i)), At: base.Add(time.Duration(i) * time.Minute),
			Actor: "clerk", Action: a, ItemID: "flour", TransactionID: "tx",
			Details: map[string]string{"step": string(rune('a' + i))},
		}))
	}

	entries, err := s.QueryAudit(ctx, inventory.AuditFilter{Actions: []inventory.AuditAction{inventory.AuditStockRecorded}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "audit-b", entries[0].ID)
	assert.Equal(t, "b", entries[0].Details["step"])
	assert.True(t, entries[0].At.Equal(base.Add(time.Minute)))

	entries, err = s.QueryAudit(ctx, inventory.AuditFilter{ItemID: "flour", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = s.QueryAudit(ctx, inventory.AuditFilter{Actor: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testRollback(t *testing.T, s inventory.Store) {
	// GIVEN: Existing rows
	// WHEN: A unit writes to every table, then fails
	// THEN: The store is exactly as before

	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))
	stored, err := s.AppendTransaction(ctx, movement("tx-1", "flour", inventory.DirectionIn, 4, base))
	require.NoError(t, err)

	err = s.WithTx(ctx, func(v inventory.Store) error {
		require.NoError(t, v.CreateItem(ctx, item("sugar")))
		renamed := item("flour")
		renamed.Name = "Renamed"
		require.NoError(t, v.SaveItem(ctx, renamed))

		tx := movement("tx-2", "flour", inventory.DirectionOut, 1, base.Add(time.Hour))
		tx.IdempotencyKey = "k"
		_, err := v.AppendTransaction(ctx, tx)
		require.NoError(t, err)

		edited := stored
		edited.Status = inventory.StatusReversed
		edited.ReversalID = "rev-1"
		require.NoError(t, v.SaveTransaction(ctx, edited))
		require.NoError(t, v.CreateReversal(ctx, inventory.ReversalRecord{
			ID: "rev-1", TransactionID: "tx-1", ItemID: "flour", Actor: "clerk",
			ReversedAt: base, State: inventory.ReversalApplied,
		}))
		require.NoError(t, v.AppendAudit(ctx, inventory.AuditEntry{
			ID: "audit-1", At: base, Actor: "clerk", Action: inventory.AuditReversed, ItemID: "flour",
		}))

		// Reads inside the unit see its own writes.
		txs, total, err := v.QueryTransactions(ctx, inventory.TransactionQuery{})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, txs, 2)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	_, err = s.GetItem(ctx, "sugar")
	assert.ErrorIs(t, err, inventory.ErrUnknownItem)
	flour, err := s.GetItem(ctx, "flour")
	require.NoError(t, err)
	assert.Equal(t, "Item flour", flour.Name)

	txs, total, err := s.QueryTransactions(ctx, inventory.TransactionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txs, 1)
	assert.Equal(t, inventory.StatusActive, txs[0].Status)
	assert.Empty(t, txs[0].ReversalID)

	_, ok, err := s.FindByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := s.ListReversals(ctx, "tx-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	entries, err := s.QueryAudit(ctx, inventory.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Freed keys and IDs are usable again.
	again := movement("tx-2", "flour", inventory.DirectionOut, 1, base.Add(time.Hour))
	again.IdempotencyKey = "k"
	_, err = s.AppendTransaction(ctx, again)
	require.NoError(t, err)
}

func testCommit(t *testing.T, s inventory.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateItem(ctx, item("flour")))

	err := s.WithTx(ctx, func(v inventory.Store) error {
		if _, err := v.AppendTransaction(ctx, movement("tx-1", "flour", inventory.DirectionIn, 4, base)); err != nil {
			return err
		}
		return v.AppendAudit(ctx, inventory.AuditEntry{
			ID: "audit-1", At: base, Actor: "clerk", Action: inventory.AuditStockRecorded, ItemID: "flour",
		})
	})
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Quantity)
	entries, err := s.QueryAudit(ctx, inventory.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, s.Ping(ctx))
}
