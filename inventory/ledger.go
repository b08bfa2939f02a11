/*
ledger.go - Stock movement ledger and its reversal state machine

PURPOSE:
  The Ledger is the only way a balance changes. Every addition, withdrawal,
  correction and reversal goes through it, and every one of them leaves a
  trace: the movement itself, a ReversalRecord, and an audit entry.

STATE MACHINE (per transaction):
  ACTIVE --Reverse--> REVERSED --UndoReverse--> ACTIVE

  No other transitions exist. Transactions are never deleted. Reversal
  flips the status and records who reversed it and why; undo flips it back
  and marks the record UNDONE instead of removing it.

CRITICAL INVARIANTS:
  1. Quantity > 0 on every transaction.
  2. Effect is +Quantity for IN, -Quantity for OUT, only while ACTIVE.
  3. Under StockBlock no mutation leaves a balance below zero.
  4. A failed mutation leaves the store exactly as it was.
  5. A balance never leaves the int64 range; such a mutation is rejected.

ATOMIC UNIT (apply):
  1. Lock the item (bounded wait, fails with ErrUnavailable)
  2. Open a store transaction
  3. Read item + balance before the change
  4. Run the mutation (writes movement/reversal + audit entry)
  5. Check the stock policy against the new balance
  6. Commit, then publish the new running total

  Anything failing in 2-5 rolls back the store transaction, so the
  running total is only ever published for committed state.

CORRECTIONS:
  Update fixes quantity or notes of an ACTIVE transaction. Direction and
  item never change; to move stock to another item, reverse and re-record.

SEE ALSO:
  - balance.go: current/commit used by apply
  - reconcile.go: Same operations returning the new balance, with retries
*/
package inventory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxNotesLength = 2000

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store       Store
	balances    *BalanceEngine
	locks       Locker
	policy      StockPolicy
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

func NewLedger(store Store, balances *BalanceEngine, opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{
		store:       store,
		balances:    balances,
		locks:       opts.Locker,
		policy:      opts.StockPolicy,
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		log:         opts.Logger,
	}
}

func (l *Ledger) Policy() StockPolicy { return l.policy }

// mutation writes through s and returns the net change to the balance.
type mutation func(s Store, item StockItem, before int64) (delta int64, err error)

func (l *Ledger) apply(ctx context.Context, itemID ItemID, fn mutation) (BalanceSnapshot, error) {
	unlock, err := acquire(ctx, l.locks, l.lockTimeout, itemID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	defer unlock()

	var (
		item  StockItem
		after int64
	)
	err = l.store.WithTx(ctx, func(s Store) error {
		var err error
		item, err = s.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		before, err := l.balances.current(ctx, s, itemID)
		if err != nil {
			return err
		}
		delta, err := fn(s, item, before)
		if err != nil {
			return err
		}
		if overflows(before, delta) {
			return &ValidationError{Field: "quantity", Message: "resulting balance is out of range"}
		}
		after = before + delta
		if l.policy == StockBlock && delta < 0 && after < 0 {
			return &InsufficientStockError{ItemID: itemID, Available: before, Requested: -delta}
		}
		return nil
	})
	if err != nil {
		return BalanceSnapshot{}, err
	}

	l.balances.commit(itemID, after)
	return newSnapshot(item, after, l.now()), nil
}

// =============================================================================
// RECORD
// =============================================================================

// Record appends an ACTIVE movement. A repeated idempotency key returns the
// original transaction without applying it twice.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (Transaction, error) {
	tx, _, err := l.record(ctx, in)
	return tx, err
}

func (l *Ledger) record(ctx context.Context, in RecordInput) (Transaction, BalanceSnapshot, error) {
	if in.Quantity <= 0 {
		return Transaction{}, BalanceSnapshot{}, ErrInvalidQuantity
	}
	if !in.Direction.Valid() {
		return Transaction{}, BalanceSnapshot{}, &ValidationError{Field: "direction", Message: "must be IN or OUT"}
	}
	if err := validateActor(in.Actor); err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}
	if err := validateText("notes", in.Notes); err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}

	if in.IdempotencyKey != "" {
		if tx, snap, ok, err := l.replay(ctx, in); ok || err != nil {
			return tx, snap, err
		}
	}

	var recorded Transaction
	snap, err := l.apply(ctx, in.ItemID, func(s Store, item StockItem, before int64) (int64, error) {
		if !item.Active {
			return 0, &ConflictError{Resource: "item", ID: string(item.ID), Reason: "item is deactivated"}
		}
		now := l.now()
		occurredAt := in.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		tx, err := s.AppendTransaction(ctx, Transaction{
			ID:             TransactionID(uuid.NewString()),
			ItemID:         item.ID,
			Direction:      in.Direction,
			Quantity:       in.Quantity,
			Actor:          in.Actor,
			OccurredAt:     occurredAt.UTC(),
			Notes:          in.Notes,
			Status:         StatusActive,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return 0, err
		}
		recorded = tx
		err = s.AppendAudit(ctx, auditEntry(now, AuditStockRecorded, in.Actor, item.ID, tx.ID, map[string]string{
			"direction":      string(tx.Direction),
			"quantity":       strconv.FormatInt(tx.Quantity, 10),
			"balance_before": strconv.FormatInt(before, 10),
		}))
		return tx.Effect(), err
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent call carrying the same key.
		if tx, snap, ok, rerr := l.replay(ctx, in); ok || rerr != nil {
			return tx, snap, rerr
		}
	}
	if err != nil {
		l.log.Debug("record rejected", "item_id", in.ItemID, "direction", in.Direction,
			"quantity", in.Quantity, "actor", in.Actor, "error", err)
		return Transaction{}, BalanceSnapshot{}, err
	}

	l.log.Info("stock recorded", "item_id", recorded.ItemID, "transaction_id", recorded.ID,
		"direction", recorded.Direction, "quantity", recorded.Quantity, "actor", recorded.Actor,
		"balance", snap.Quantity, "health", snap.Health)
	return recorded, snap, nil
}

// replay resolves an idempotency key to the transaction it first recorded.
func (l *Ledger) replay(ctx context.Context, in RecordInput) (Transaction, BalanceSnapshot, bool, error) {
	tx, ok, err := l.store.FindByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil || !ok {
		return Transaction{}, BalanceSnapshot{}, false, err
	}
	recorded, err := l.recordedQuantity(ctx, tx)
	if err != nil {
		return Transaction{}, BalanceSnapshot{}, true, err
	}
	if tx.ItemID != in.ItemID || tx.Direction != in.Direction || recorded != in.Quantity {
		return Transaction{}, BalanceSnapshot{}, true, &ConflictError{
			Resource: "idempotency key", ID: in.IdempotencyKey,
			Reason: "already used for a different movement",
		}
	}
	snap, err := l.balances.Snapshot(ctx, tx.ItemID)
	return tx, snap, true, err
}

// recordedQuantity is the quantity tx was first recorded with. A later
// correction changes tx.Quantity; the stock_recorded audit entry keeps
// the original.
func (l *Ledger) recordedQuantity(ctx context.Context, tx Transaction) (int64, error) {
	entries, err := l.store.QueryAudit(ctx, AuditFilter{
		TransactionID: tx.ID,
		Actions:       []AuditAction{AuditStockRecorded},
		Limit:         1,
	})
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return tx.Quantity, nil
	}
	q, err := strconv.ParseInt(entries[0].Details["quantity"], 10, 64)
	if err != nil {
		return tx.Quantity, nil
	}
	return q, nil
}

// =============================================================================
// UPDATE - Correct quantity or notes of an ACTIVE transaction
// =============================================================================

func (l *Ledger) Update(ctx context.Context, id TransactionID, patch TransactionPatch, actor string) (Transaction, error) {
	tx, _, err := l.update(ctx, id, patch, actor)
	return tx, err
}

func (l *Ledger) update(ctx context.Context, id TransactionID, patch TransactionPatch, actor string) (Transaction, BalanceSnapshot, error) {
	if patch.IsEmpty() {
		return Transaction{}, BalanceSnapshot{}, &ValidationError{Field: "patch", Message: "nothing to update"}
	}
	if patch.Quantity != nil && *patch.Quantity <= 0 {
		return Transaction{}, BalanceSnapshot{}, ErrInvalidQuantity
	}
	if patch.Notes != nil {
		if err := validateText("notes", *patch.Notes); err != nil {
			return Transaction{}, BalanceSnapshot{}, err
		}
	}
	if err := validateActor(actor); err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}

	existing, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}

	var updated Transaction
	snap, err := l.apply(ctx, existing.ItemID, func(s Store, item StockItem, before int64) (int64, error) {
		cur, err := s.GetTransaction(ctx, id)
		if err != nil {
			return 0, err
		}
		if cur.Status != StatusActive {
			return 0, &ConflictError{Resource: "transaction", ID: string(id), Reason: "cannot edit a reversed transaction"}
		}

		oldEffect := cur.Effect()
		details := map[string]string{}
		if patch.Quantity != nil {
			details["quantity_before"] = strconv.FormatInt(cur.Quantity, 10)
			details["quantity_after"] = strconv.FormatInt(*patch.Quantity, 10)
			cur.Quantity = *patch.Quantity
		}
		if patch.Notes != nil {
			details["notes_before"] = cur.Notes
			cur.Notes = *patch.Notes
		}
		now := l.now()
		cur.UpdatedAt = now

		if err := s.SaveTransaction(ctx, cur); err != nil {
			return 0, err
		}
		if err := s.AppendAudit(ctx, auditEntry(now, AuditTransactionEdited, actor, item.ID, id, details)); err != nil {
			return 0, err
		}
		updated = cur
		return cur.Effect() - oldEffect, nil
	})
	if err != nil {
		l.log.Debug("update rejected", "transaction_id", id, "actor", actor, "error", err)
		return Transaction{}, BalanceSnapshot{}, err
	}

	l.log.Info("transaction edited", "item_id", updated.ItemID, "transaction_id", id,
		"quantity", updated.Quantity, "actor", actor, "balance", snap.Quantity)
	return updated, snap, nil
}

// =============================================================================
// REVERSE / UNDO REVERSE
// =============================================================================

// Reverse excludes an ACTIVE transaction from the balance and records why.
func (l *Ledger) Reverse(ctx context.Context, id TransactionID, reason, actor string) (ReversalRecord, error) {
	rec, _, _, err := l.reverse(ctx, id, reason, actor)
	return rec, err
}

func (l *Ledger) reverse(ctx context.Context, id TransactionID, reason, actor string) (ReversalRecord, Transaction, BalanceSnapshot, error) {
	if err := validateActor(actor); err != nil {
		return ReversalRecord{}, Transaction{}, BalanceSnapshot{}, err
	}
	if err := validateText("reason", reason); err != nil {
		return ReversalRecord{}, Transaction{}, BalanceSnapshot{}, err
	}

	existing, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return ReversalRecord{}, Transaction{}, BalanceSnapshot{}, err
	}

	var (
		rec      ReversalRecord
		reversed Transaction
	)
	snap, err := l.apply(ctx, existing.ItemID, func(s Store, item StockItem, before int64) (int64, error) {
		cur, err := s.GetTransaction(ctx, id)
		if err != nil {
			return 0, err
		}
		if cur.Status == StatusReversed {
			return 0, &ConflictError{Resource: "transaction", ID: string(id), Reason: "already reversed"}
		}

		now := l.now()
		rec = ReversalRecord{
			ID:            ReversalID(uuid.NewString()),
			TransactionID: id,
			ItemID:        item.ID,
			Reason:        reason,
			Actor:         actor,
			ReversedAt:    now,
			State:         ReversalApplied,
		}
		if err := s.CreateReversal(ctx, rec); err != nil {
			return 0, err
		}

		oldEffect := cur.Effect()
		cur.Status = StatusReversed
		cur.ReversalID = rec.ID
		cur.UpdatedAt = now
		if err := s.SaveTransaction(ctx, cur); err != nil {
			return 0, err
		}
		if err := s.AppendAudit(ctx, auditEntry(now, AuditReversed, actor, item.ID, id, map[string]string{
			"reversal_id": string(rec.ID),
			"reason":      reason,
		})); err != nil {
			return 0, err
		}
		reversed = cur
		return -oldEffect, nil
	})
	if err != nil {
		l.log.Debug("reverse rejected", "transaction_id", id, "actor", actor, "error", err)
		return ReversalRecord{}, Transaction{}, BalanceSnapshot{}, err
	}

	l.log.Info("transaction reversed", "item_id", reversed.ItemID, "transaction_id", id,
		"reversal_id", rec.ID, "actor", actor, "balance", snap.Quantity, "health", snap.Health)
	return rec, reversed, snap, nil
}

// UndoReverse restores a REVERSED transaction to ACTIVE. The reversal
// record is kept and marked UNDONE. A second undo fails with ErrConflict.
func (l *Ledger) UndoReverse(ctx context.Context, id TransactionID, actor string) (Transaction, error) {
	tx, _, err := l.undoReverse(ctx, id, actor)
	return tx, err
}

func (l *Ledger) undoReverse(ctx context.Context, id TransactionID, actor string) (Transaction, BalanceSnapshot, error) {
	if err := validateActor(actor); err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}

	existing, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, BalanceSnapshot{}, err
	}

	var restored Transaction
	snap, err := l.apply(ctx, existing.ItemID, func(s Store, item StockItem, before int64) (int64, error) {
		cur, err := s.GetTransaction(ctx, id)
		if err != nil {
			return 0, err
		}
		recs, err := s.ListReversals(ctx, id)
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			return 0, NotFound("reversal for transaction", string(id))
		}
		if cur.Status != StatusReversed {
			return 0, &ConflictError{Resource: "transaction", ID: string(id), Reason: "reversal already undone"}
		}

		idx := -1
		for i := range recs {
			if recs[i].ID == cur.ReversalID && recs[i].State == ReversalApplied {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, NotFound("applied reversal for transaction", string(id))
		}

		now := l.now()
		rec := recs[idx]
		rec.State = ReversalUndone
		rec.UndoneBy = actor
		rec.UndoneAt = &now
		if err := s.SaveReversal(ctx, rec); err != nil {
			return 0, err
		}

		cur.Status = StatusActive
		cur.ReversalID = ""
		cur.UpdatedAt = now
		if err := s.SaveTransaction(ctx, cur); err != nil {
			return 0, err
		}
		if err := s.AppendAudit(ctx, auditEntry(now, AuditReversalUndone, actor, item.ID, id, map[string]string{
			"reversal_id": string(rec.ID),
		})); err != nil {
			return 0, err
		}
		restored = cur
		return cur.Effect(), nil
	})
	if err != nil {
		l.log.Debug("undo reverse rejected", "transaction_id", id, "actor", actor, "error", err)
		return Transaction{}, BalanceSnapshot{}, err
	}

	l.log.Info("reversal undone", "item_id", restored.ItemID, "transaction_id", id,
		"actor", actor, "balance", snap.Quantity, "health", snap.Health)
	return restored, snap, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// Reversals returns the reversal history of a transaction, oldest first.
func (l *Ledger) Reversals(ctx context.Context, id TransactionID) ([]ReversalRecord, error) {
	if _, err := l.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListReversals(ctx, id)
}

// ListByItem returns the item's movements in r, ordered by OccurredAt with
// insertion order breaking ties. Reversed movements are included.
func (l *Ledger) ListByItem(ctx context.Context, itemID ItemID, r Range) ([]Transaction, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if _, err := l.store.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	txs, _, err := l.store.QueryTransactions(ctx, TransactionQuery{
		Filter: TransactionFilter{ItemID: itemID, Range: r},
	})
	return txs, err
}

// =============================================================================
// HELPERS
// =============================================================================

func auditEntry(at time.Time, action AuditAction, actor string, itemID ItemID, txID TransactionID, details map[string]string) AuditEntry {
	return AuditEntry{
		ID:            uuid.NewString(),
		At:            at,
		Actor:         actor,
		Action:        action,
		ItemID:        itemID,
		TransactionID: txID,
		Details:       details,
	}
}

// overflows reports whether before+delta falls outside the int64 range.
func overflows(before, delta int64) bool {
	if delta > 0 {
		return before > math.MaxInt64-delta
	}
	return before < math.MinInt64-delta
}

func validateActor(actor string) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Message: "required"}
	}
	return nil
}

func validateText(field, s string) error {
	if !utf8.ValidString(s) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	if len(s) > maxNotesLength {
		return &ValidationError{Field: field, Message: "too long"}
	}
	return nil
}
