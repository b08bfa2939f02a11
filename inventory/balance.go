/*
balance.go - Balance derivation from the ledger

PURPOSE:
  Answers "how much of this item do we have, and is that enough?"
  A balance is always the sum of the signed effects of the item's ACTIVE
  transactions. Nothing else writes it.

TWO MODES, ONE ANSWER:
  BalanceFold:        Every read folds the item's ACTIVE transactions.
                      O(transactions for the item), always fresh, safe with
                      several processes writing the same database.
  BalanceIncremental: A running total per item, set by the ledger inside
                      the item lock after each committed mutation. Reads
                      are O(1). Totals missing from the cache fall back to a
                      fold, and readers never populate the cache, so a slow
                      reader cannot overwrite a newer total.

  Verify/VerifyAll re-fold under the item lock and repair any running total
  that disagrees (reported as DriftError).

HEALTH:
  CRITICAL  balance <= 0
  LOW       0 < balance < MinThreshold
  OK        otherwise

SEE ALSO:
  - ledger.go: Calls current/commit around every mutation
  - api/scheduler.go: Runs VerifyAll periodically
*/
package inventory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BalanceMode selects how the engine serves reads.
type BalanceMode int

const (
	BalanceIncremental BalanceMode = iota
	BalanceFold
)

func (m BalanceMode) String() string {
	switch m {
	case BalanceIncremental:
		return "incremental"
	case BalanceFold:
		return "fold"
	default:
		return "unknown"
	}
}

// Fold sums the signed effects of the given transactions.
// Reversed transactions contribute nothing.
func Fold(txs []Transaction) int64 {
	var total int64
	for _, tx := range txs {
		total += tx.Effect()
	}
	return total
}

// =============================================================================
// BALANCE ENGINE
// =============================================================================

type BalanceEngine struct {
	store       Store
	locks       Locker
	mode        BalanceMode
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu     sync.RWMutex
	totals map[ItemID]int64
}

func NewBalanceEngine(store Store, opts Options) *BalanceEngine {
	opts = opts.withDefaults()
	return &BalanceEngine{
		store:       store,
		locks:       opts.Locker,
		mode:        opts.BalanceMode,
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		log:         opts.Logger,
		totals:      make(map[ItemID]int64),
	}
}

func (e *BalanceEngine) Mode() BalanceMode { return e.mode }

// BalanceOf returns the item's current quantity.
func (e *BalanceEngine) BalanceOf(ctx context.Context, id ItemID) (int64, error) {
	snap, err := e.Snapshot(ctx, id)
	if err != nil {
		return 0, err
	}
	return snap.Quantity, nil
}

// StatusOf returns the item's health status.
func (e *BalanceEngine) StatusOf(ctx context.Context, id ItemID) (Health, error) {
	snap, err := e.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.Health, nil
}

func (e *BalanceEngine) Snapshot(ctx context.Context, id ItemID) (BalanceSnapshot, error) {
	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	q, err := e.current(ctx, e.store, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return newSnapshot(item, q, e.now()), nil
}

// SnapshotAll returns a snapshot for every item, inactive ones included.
// Items without a cached total are served from a single grouped fold.
func (e *BalanceEngine) SnapshotAll(ctx context.Context) (map[ItemID]BalanceSnapshot, error) {
	items, err := e.store.ListItems(ctx, true)
	if err != nil {
		return nil, err
	}

	totals := make(map[ItemID]int64, len(items))
	missing := false
	if e.mode == BalanceIncremental {
		e.mu.RLock()
		for _, item := range items {
			q, ok := e.totals[item.ID]
			if !ok {
				missing = true
				continue
			}
			totals[item.ID] = q
		}
		e.mu.RUnlock()
	} else {
		missing = true
	}

	if missing {
		txs, _, err := e.store.QueryTransactions(ctx, TransactionQuery{Filter: TransactionFilter{Status: StatusActive}})
		if err != nil {
			return nil, Unavailable("fold balances", err)
		}
		folded := make(map[ItemID]int64)
		for _, tx := range txs {
			folded[tx.ItemID] += tx.Effect()
		}
		for _, item := range items {
			if _, ok := totals[item.ID]; !ok {
				totals[item.ID] = folded[item.ID]
			}
		}
	}

	asOf := e.now()
	out := make(map[ItemID]BalanceSnapshot, len(items))
	for _, item := range items {
		out[item.ID] = newSnapshot(item, totals[item.ID], asOf)
	}
	return out, nil
}

// current returns the running total when one is cached, otherwise folds
// through s. It never populates the cache.
func (e *BalanceEngine) current(ctx context.Context, s Store, id ItemID) (int64, error) {
	if e.mode == BalanceIncremental {
		e.mu.RLock()
		q, ok := e.totals[id]
		e.mu.RUnlock()
		if ok {
			return q, nil
		}
	}
	return e.fold(ctx, s, id)
}

func (e *BalanceEngine) fold(ctx context.Context, s Store, id ItemID) (int64, error) {
	txs, _, err := s.QueryTransactions(ctx, TransactionQuery{
		Filter: TransactionFilter{ItemID: id, Status: StatusActive},
	})
	if err != nil {
		return 0, Unavailable("fold balance", err)
	}
	return Fold(txs), nil
}

// commit stores the post-mutation total. The caller holds the item lock
// and has already committed the store transaction.
func (e *BalanceEngine) commit(id ItemID, quantity int64) {
	if e.mode != BalanceIncremental {
		return
	}
	e.mu.Lock()
	e.totals[id] = quantity
	e.mu.Unlock()
}

// =============================================================================
// VERIFICATION - Running totals must equal a full fold
// =============================================================================

// Verify folds the item under its lock and repairs the running total.
// Returns a *DriftError (with the repaired snapshot) when they disagreed.
func (e *BalanceEngine) Verify(ctx context.Context, id ItemID) (BalanceSnapshot, error) {
	unlock, err := acquire(ctx, e.locks, e.lockTimeout, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	defer unlock()

	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	folded, err := e.fold(ctx, e.store, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	snap := newSnapshot(item, folded, e.now())

	if e.mode != BalanceIncremental {
		return snap, nil
	}

	e.mu.Lock()
	running, cached := e.totals[id]
	e.totals[id] = folded
	e.mu.Unlock()

	if cached && running != folded {
		e.log.Warn("balance drift repaired",
			"item_id", id, "running", running, "fold", folded)
		return snap, &DriftError{ItemID: id, Running: running, Recomputed: folded}
	}
	return snap, nil
}

// VerifyAll verifies every item and returns the drifts it repaired.
func (e *BalanceEngine) VerifyAll(ctx context.Context) ([]*DriftError, error) {
	items, err := e.store.ListItems(ctx, true)
	if err != nil {
		return nil, err
	}
	var drifts []*DriftError
	for _, item := range items {
		_, err := e.Verify(ctx, item.ID)
		if drift, ok := err.(*DriftError); ok {
			drifts = append(drifts, drift)
			continue
		}
		if err != nil {
			return drifts, err
		}
	}
	return drifts, nil
}
