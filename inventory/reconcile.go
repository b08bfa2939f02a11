/*
reconcile.go - Compound corrections as single logical units

PURPOSE:
  The Coordinator is what callers use when they need the result of a
  mutation and the balance it produced in one round trip: reverse and
  rebalance, undo and rebalance, and the same for record and update.

ATOMICITY:
  The ledger runs the status flip, the reversal record, the audit entry
  and the balance recomputation inside one store transaction under the
  item lock. If recomputation fails the whole unit rolls back, so a
  reversal is never left half-applied and the published running total
  never runs ahead of the store.

RETRY POLICY:
  Only ErrUnavailable (storage unreachable, lock not acquired in time) is
  retried, with exponential backoff, up to RetryPolicy.MaxAttempts.
  UnknownItem, NotFound, InvalidQuantity, InsufficientStock, Conflict and
  ValidationError are invariant violations: returned on the first attempt.
  Retrying a failed unit is safe because a failed unit wrote nothing.

SEE ALSO:
  - ledger.go: apply() is the atomic unit
  - errors.go: IsRetryable
*/
package inventory

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
)

// MutationResult is a transaction together with the balance it produced.
type MutationResult struct {
	Transaction Transaction
	Balance     BalanceSnapshot
}

// ReversalResult is a reversal, the reversed transaction and the new balance.
type ReversalResult struct {
	Reversal    ReversalRecord
	Transaction Transaction
	Balance     BalanceSnapshot
}

type Coordinator struct {
	ledger *Ledger
	retry  RetryPolicy
	log    *slog.Logger
}

func NewCoordinator(ledger *Ledger, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{ledger: ledger, retry: opts.Retry, log: opts.Logger}
}

func (c *Coordinator) RecordAndRebalance(ctx context.Context, in RecordInput) (MutationResult, error) {
	return retry(ctx, c, "record", func() (MutationResult, error) {
		tx, snap, err := c.ledger.record(ctx, in)
		return MutationResult{Transaction: tx, Balance: snap}, err
	})
}

func (c *Coordinator) UpdateAndRebalance(ctx context.Context, id TransactionID, patch TransactionPatch, actor string) (MutationResult, error) {
	return retry(ctx, c, "update", func() (MutationResult, error) {
		tx, snap, err := c.ledger.update(ctx, id, patch, actor)
		return MutationResult{Transaction: tx, Balance: snap}, err
	})
}

func (c *Coordinator) ReverseAndRebalance(ctx context.Context, id TransactionID, reason, actor string) (ReversalResult, error) {
	return retry(ctx, c, "reverse", func() (ReversalResult, error) {
		rec, tx, snap, err := c.ledger.reverse(ctx, id, reason, actor)
		return ReversalResult{Reversal: rec, Transaction: tx, Balance: snap}, err
	})
}

func (c *Coordinator) UndoAndRebalance(ctx context.Context, id TransactionID, actor string) (MutationResult, error) {
	return retry(ctx, c, "undo_reverse", func() (MutationResult, error) {
		tx, snap, err := c.ledger.undoReverse(ctx, id, actor)
		return MutationResult{Transaction: tx, Balance: snap}, err
	})
}

func retry[T any](ctx context.Context, c *Coordinator, op string, fn func() (T, error)) (T, error) {
	if c.retry.MaxAttempts <= 1 {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := fn()
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		c.log.Warn("transient failure", "op", op, "attempt", attempt, "error", err)
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.retry.MaxAttempts))
}
