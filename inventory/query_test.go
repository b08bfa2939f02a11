package inventory_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
)

func seedMovements(t *testing.T, inv *inventory.Inventory, id inventory.ItemID, n int) []inventory.Transaction {
	t.Helper()
	txs := make([]inventory.Transaction, n)
	for i := 0; i < n; i++ {
		dir := inventory.DirectionIn
		if i%5 == 4 {
			dir = inventory.DirectionOut
		}
		tx, err := inv.Ledger.Record(context.Background(), inventory.RecordInput{
			ItemID:     id,
			Direction:  dir,
			Quantity:   1,
			Actor:      clerk,
			OccurredAt: t0.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		txs[i] = tx
	}
	return txs
}

func TestQuery_Page(t *testing.T) {
	// GIVEN: 25 transactions
	// WHEN: Paging with size 10
	// THEN: 10, 10, 5, then empty; every page reports 25 / 3 pages

	inv, _ := newTestInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 0)
	all := seedMovements(t, inv, item.ID, 25)
	ctx := context.Background()

	var seen []inventory.TransactionID
	for page, want := range map[int]int{1: 10, 2: 10, 3: 5, 4: 0} {
		p, err := inv.Query.Page(ctx, inventory.TransactionFilter{}, page, 10)
		require.NoError(t, err)
		assert.Len(t, p.Items, want, "page %d", page)
		assert.NotNil(t, p.Items)
		assert.Equal(t, 25, p.TotalCount)
		assert.Equal(t, 3, p.TotalPages)
		assert.Equal(t, page, p.PageNumber)
		assert.Equal(t, 10, p.PageSize)
		for _, tx := range p.Items {
			seen = append(seen, tx.ID)
		}
	}
	assert.Len(t, seen, 25)

	first, err := inv.Query.Page(ctx, inventory.TransactionFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, all[0].ID, first.Items[0].ID)
	assert.Equal(t, all[9].ID, first.Items[9].ID)
}

func TestQuery_Page_Filters(t *testing.T) {
	inv, _ := newTestInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 0)
	other := createItem(t, inv, "sugar", 0)
	all := seedMovements(t, inv, item.ID, 25)
	seedMovements(t, inv, other.ID, 3)
	ctx := context.Background()

	p, err := inv.Query.Page(ctx, inventory.TransactionFilter{ItemID: item.ID, Direction: inventory.DirectionOut}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 5, p.TotalCount)

	_, err = inv.Ledger.Reverse(ctx, all[0].ID, "", clerk)
	require.NoError(t, err)
	p, err = inv.Query.Page(ctx, inventory.TransactionFilter{Status: inventory.StatusReversed}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 1, p.TotalCount)
	assert.Equal(t, all[0].ID, p.Items[0].ID)

	p, err = inv.Query.Page(ctx, inventory.TransactionFilter{
		ItemID: item.ID,
		Range:  inventory.Range{From: t0.Add(10 * time.Hour), To: t0.Add(14 * time.Hour)},
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 5, p.TotalCount)
}

func TestQuery_Page_Validation(t *testing.T) {
	inv, _ := newTestInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 0)
	seedMovements(t, inv, item.ID, 3)
	ctx := context.Background()

	_, err := inv.Query.Page(ctx, inventory.TransactionFilter{}, 0, 10)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	_, err = inv.Query.Page(ctx, inventory.TransactionFilter{}, 1, 0)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	_, err = inv.Query.Page(ctx, inventory.TransactionFilter{Direction: "SIDEWAYS"}, 1, 10)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	_, err = inv.Query.Page(ctx, inventory.TransactionFilter{Range: inventory.Range{From: t0, To: t0.Add(-time.Hour)}}, 1, 10)
	assert.ErrorIs(t, err, inventory.ErrValidation)

	p, err := inv.Query.Page(ctx, inventory.TransactionFilter{}, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, inventory.MaxPageSize, p.PageSize)
	assert.Len(t, p.Items, 3)
}

func TestQuery_Audit(t *testing.T) {
	inv, _ := newTestInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 0)
	seedMovements(t, inv, item.ID, 4)
	ctx := context.Background()

	entries, err := inv.Query.Audit(ctx, inventory.AuditFilter{Actor: clerk, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, inventory.AuditStockRecorded, e.Action)
	}

	_, err = inv.Query.Audit(ctx, inventory.AuditFilter{Limit: -1})
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestQuery_Page_HugePageNumber(t *testing.T) {
	// GIVEN: A page number whose offset does not fit in an int
	// THEN: The page is empty and still reports the total

	inv, _ := newTestInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 0)
	seedMovements(t, inv, item.ID, 3)

	p, err := inv.Query.Page(context.Background(), inventory.TransactionFilter{}, math.MaxInt/10+2, 10)
	require.NoError(t, err)
	assert.Empty(t, p.Items)
	assert.Equal(t, 3, p.TotalCount)
	assert.Equal(t, 1, p.TotalPages)
}
