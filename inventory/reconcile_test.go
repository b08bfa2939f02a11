package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/inventory/store"
)

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errDiskFull = errors.New("disk full")

// faultyStore fails chosen calls made inside WithTx, after earlier writes
// of the same unit have already gone through.
type faultyStore struct {
	inventory.Store

	mu            sync.Mutex
	auditFailures int // Remaining AppendAudit failures
	foldFailures  int // Remaining QueryTransactions failures
	txCalls       int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	f.mu.Lock()
	f.txCalls++
	f.mu.Unlock()
	return f.Store.WithTx(ctx, func(s inventory.Store) error {
		return fn(&faultyView{Store: s, parent: f})
	})
}

func (f *faultyStore) take(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *counter == 0 {
		return false
	}
	if *counter > 0 {
		*counter--
	}
	return true
}

func (f *faultyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCalls
}

type faultyView struct {
	inventory.Store
	parent *faultyStore
}

func (v *faultyView) AppendAudit(ctx context.Context, e inventory.AuditEntry) error {
	if v.parent.take(&v.parent.auditFailures) {
		return inventory.Unavailable("append audit", errDiskFull)
	}
	return v.Store.AppendAudit(ctx, e)
}

func (v *faultyView) QueryTransactions(ctx context.Context, q inventory.TransactionQuery) ([]inventory.Transaction, int, error) {
	if v.parent.take(&v.parent.foldFailures) {
		return nil, 0, errDiskFull
	}
	return v.Store.QueryTransactions(ctx, q)
}

func newFaultyInventory(t *testing.T, opts inventory.Options) (*inventory.Inventory, *faultyStore) {
	t.Helper()
	f := &faultyStore{Store: store.NewMemory()}
	opts.Clock = tickingClock()
	return inventory.New(f, opts), f
}

var fastRetry = inventory.RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestCoordinator_Reverse_RollsBackOnFailure(t *testing.T) {
	// GIVEN: A reversal whose last write (the audit entry) fails
	// THEN: Status flip and reversal record are rolled back with it

	inv, f := newFaultyInventory(t, inventory.Options{})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()
	tx := record(t, inv, item.ID, inventory.DirectionIn, 20).Transaction

	f.auditFailures = 1
	_, err := inv.Coordinator.ReverseAndRebalance(ctx, tx.ID, "oops", clerk)
	require.Error(t, err)
	assert.True(t, inventory.IsRetryable(err))
	assert.ErrorIs(t, err, errDiskFull)

	got, err := inv.Ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusActive, got.Status)
	assert.Empty(t, got.ReversalID)
	recs, err := inv.Ledger.Reversals(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(20), balanceOf(t, inv, item.ID))

	// The unit is retryable as a whole once storage recovers.
	res, err := inv.Coordinator.ReverseAndRebalance(ctx, tx.ID, "oops", clerk)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance.Quantity)
}

func TestCoordinator_Record_RecomputeFailure_LeavesLedgerUnchanged(t *testing.T) {
	// GIVEN: Fold mode, so every mutation recomputes through the store
	// WHEN: The recomputation read fails
	// THEN: ErrUnavailable and nothing was written

	inv, f := newFaultyInventory(t, inventory.Options{BalanceMode: inventory.BalanceFold})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()
	record(t, inv, item.ID, inventory.DirectionIn, 20)

	f.foldFailures = 1
	_, err := inv.Coordinator.RecordAndRebalance(ctx, inventory.RecordInput{
		ItemID: item.ID, Direction: inventory.DirectionOut, Quantity: 5, Actor: clerk,
	})
	assert.ErrorIs(t, err, inventory.ErrUnavailable)

	assert.Len(t, historyOf(t, inv, item.ID), 1)
	assert.Equal(t, int64(20), balanceOf(t, inv, item.ID))
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestCoordinator_RetriesTransientFailures(t *testing.T) {
	inv, f := newFaultyInventory(t, inventory.Options{Retry: fastRetry})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()
	tx := record(t, inv, item.ID, inventory.DirectionIn, 20).Transaction

	f.auditFailures = 2
	start := f.calls()
	res, err := inv.Coordinator.ReverseAndRebalance(ctx, tx.ID, "late delivery", clerk)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls()-start, "two failures then success")
	assert.Equal(t, int64(0), res.Balance.Quantity)

	recs, err := inv.Ledger.Reversals(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "failed attempts left no records behind")
}

func TestCoordinator_GivesUpAfterMaxAttempts(t *testing.T) {
	inv, f := newFaultyInventory(t, inventory.Options{Retry: fastRetry})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()

	f.auditFailures = -1 // always
	start := f.calls()
	_, err := inv.Coordinator.RecordAndRebalance(ctx, inventory.RecordInput{
		ItemID: item.ID, Direction: inventory.DirectionIn, Quantity: 5, Actor: clerk,
	})
	assert.ErrorIs(t, err, inventory.ErrUnavailable)
	assert.Equal(t, int(fastRetry.MaxAttempts), f.calls()-start)

	f.auditFailures = 0
	assert.Empty(t, historyOf(t, inv, item.ID))
}

func TestCoordinator_DoesNotRetryInvariantViolations(t *testing.T) {
	// GIVEN: Retries enabled
	// WHEN: A mutation fails with Conflict or InsufficientStock
	// THEN: It is attempted exactly once

	inv, f := newFaultyInventory(t, inventory.Options{Retry: fastRetry})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()
	tx := record(t, inv, item.ID, inventory.DirectionIn, 5).Transaction
	_, err := inv.Coordinator.ReverseAndRebalance(ctx, tx.ID, "", clerk)
	require.NoError(t, err)

	start := f.calls()
	_, err = inv.Coordinator.ReverseAndRebalance(ctx, tx.ID, "", clerk)
	assert.ErrorIs(t, err, inventory.ErrConflict)
	assert.Equal(t, 1, f.calls()-start)

	start = f.calls()
	_, err = inv.Coordinator.RecordAndRebalance(ctx, inventory.RecordInput{
		ItemID: item.ID, Direction: inventory.DirectionOut, Quantity: 1, Actor: clerk,
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 1, f.calls()-start)
}

func TestCoordinator_UndoAndRebalance(t *testing.T) {
	inv, _ := newFaultyInventory(t, inventory.Options{Retry: fastRetry})
	item := createItem(t, inv, "flour", 10)
	ctx := context.Background()

	record(t, inv, item.ID, inventory.DirectionIn, 30)
	out := record(t, inv, item.ID, inventory.DirectionOut, 25)

	rev, err := inv.Coordinator.ReverseAndRebalance(ctx, out.Transaction.ID, "", clerk)
	require.NoError(t, err)
	assert.Equal(t, int64(30), rev.Balance.Quantity)

	undo, err := inv.Coordinator.UndoAndRebalance(ctx, out.Transaction.ID, clerk)
	require.NoError(t, err)
	assert.Equal(t, int64(5), undo.Balance.Quantity)
	assert.Equal(t, inventory.HealthLow, undo.Balance.Health)
}
