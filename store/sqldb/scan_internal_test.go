package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
)

func TestScan_MalformedTimestamp(t *testing.T) {
	// GIVEN: A movement whose occurred_at column was damaged outside the store
	// WHEN: It is read back through any query path
	// THEN: The read fails instead of returning a zero timestamp

	s, err := New("sqlite3", ":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateItem(ctx, inventory.StockItem{ID: "flour", Name: "Flour", Unit: "kg", Active: true, CreatedAt: at, UpdatedAt: at}))
	_, err = s.AppendTransaction(ctx, inventory.Transaction{
		ID: "tx-1", ItemID: "flour", Direction: inventory.DirectionIn, Quantity: 1, Actor: "clerk",
		OccurredAt: at, Status: inventory.StatusActive, CreatedAt: at, UpdatedAt: at,
	})
	require.NoError(t, err)

	_, err = s.conn.ExecContext(ctx, `UPDATE transactions SET occurred_at = 'last tuesday' WHERE id = 'tx-1'`)
	require.NoError(t, err)

	_, err = s.GetTransaction(ctx, "tx-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "occurred_at")

	_, _, err = s.QueryTransactions(ctx, inventory.TransactionQuery{})
	assert.Error(t, err)

	_, err = s.conn.ExecContext(ctx, `UPDATE stock_items SET created_at = '' WHERE id = 'flour'`)
	require.NoError(t, err)
	_, err = s.GetItem(ctx, "flour")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, inventory.ErrUnknownItem)
}

func TestTimeParser_KeepsFirstError(t *testing.T) {
	var tp timeParser
	assert.True(t, tp.parse("a", "bad").IsZero())
	tp.parse("b", "also bad")
	require.Error(t, tp.err)
	assert.Contains(t, tp.err.Error(), "invalid a")

	var ok timeParser
	got := ok.parse("at", "2025-03-10T09:00:00.000000000Z")
	assert.NoError(t, ok.err)
	assert.True(t, got.Equal(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)))
	assert.Nil(t, ok.parseNull("undone_at", nullTime(nil)))
}
