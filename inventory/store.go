/*
store.go - Persistence interfaces for items, transactions, reversals, audit

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger
  never writes a balance: stores hold items, movements, reversal records
  and audit entries, and balances are folded from movements.

KEY INTERFACES:
  ItemStore:        Stock item metadata
  TransactionStore: Movements (append, status/quantity/notes updates, query)
  ReversalStore:    Reversal records (create, mark undone, history)
  AuditLog:         Append-only who-did-what log
  Store:            All of the above plus WithTx for atomic units

NO DELETES:
  No interface has a Delete method. Items are deactivated, transactions
  are reversed, reversal records are marked UNDONE.

ATOMIC UNITS:
  WithTx runs fn against a transactional view. If fn returns an error,
  every write made through the view is rolled back. Code inside fn must
  only use the view it was given, never the outer store.

ERRORS:
  Stores return ErrUnknownItem / ErrNotFound for missing rows,
  ErrDuplicateIdempotencyKey for reused keys, ErrConflict for duplicate
  IDs, and wrap every other failure with Unavailable so callers can tell
  transient faults from invariant violations.

IMPLEMENTATIONS:
  - inventory/store/memory.go: In-memory for tests and development
  - store/sqldb: SQLite and MySQL via database/sql

SEE ALSO:
  - ledger.go: Uses WithTx for every mutation
*/
package inventory

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interfaces for ledger persistence
// =============================================================================

type ItemStore interface {
	// CreateItem inserts a new item. ErrConflict if the ID exists.
	CreateItem(ctx context.Context, item StockItem) error

	// GetItem returns ErrUnknownItem if the ID does not resolve.
	GetItem(ctx context.Context, id ItemID) (StockItem, error)

	// SaveItem overwrites metadata of an existing item.
	SaveItem(ctx context.Context, item StockItem) error

	// ListItems returns items ordered by name.
	ListItems(ctx context.Context, includeInactive bool) ([]StockItem, error)
}

type TransactionStore interface {
	// AppendTransaction inserts a movement and returns it with Seq assigned.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// GetTransaction returns ErrNotFound if the ID does not resolve.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// FindByIdempotencyKey looks up a previously recorded movement.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)

	// SaveTransaction persists status, link, quantity and notes changes.
	SaveTransaction(ctx context.Context, tx Transaction) error

	// QueryTransactions returns matching movements ordered by (OccurredAt, Seq)
	// and the total number of matches before Offset/Limit are applied.
	QueryTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, int, error)
}

type ReversalStore interface {
	CreateReversal(ctx context.Context, r ReversalRecord) error
	SaveReversal(ctx context.Context, r ReversalRecord) error

	// ListReversals returns every record for a transaction, oldest first.
	ListReversals(ctx context.Context, txID TransactionID) ([]ReversalRecord, error)
}

// Store is the full persistence contract used by the ledger.
type Store interface {
	ItemStore
	TransactionStore
	ReversalStore
	AuditLog

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditEntry struct {
	ID            string
	At            time.Time
	Actor         string
	Action        AuditAction
	ItemID        ItemID
	TransactionID TransactionID
	Details       map[string]string
}

type AuditAction string

const (
	AuditItemCreated       AuditAction = "item_created"
	AuditItemUpdated       AuditAction = "item_updated"
	AuditItemDeactivated   AuditAction = "item_deactivated"
	AuditStockRecorded     AuditAction = "stock_recorded"
	AuditTransactionEdited AuditAction = "transaction_edited"
	AuditReversed          AuditAction = "transaction_reversed"
	AuditReversalUndone    AuditAction = "reversal_undone"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	ItemID        ItemID
	TransactionID TransactionID
	Actor         string
	Actions       []AuditAction
	Range         Range
	Limit         int
}

func (f AuditFilter) Match(e AuditEntry) bool {
	if f.ItemID != "" && e.ItemID != f.ItemID {
		return false
	}
	if f.TransactionID != "" && e.TransactionID != f.TransactionID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.Range.Contains(e.At)
}
