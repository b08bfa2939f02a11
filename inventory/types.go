/*
Package inventory provides the stock ledger and balance reconciliation engine.

PURPOSE:
  Records stock movements (additions and withdrawals), derives each item's
  current quantity and health status, and supports corrections (reversal
  and undo-of-reversal) without losing audit history. Everything a
  dashboard shows about stock levels is computed here.

KEY CONCEPTS IN THIS FILE (types.go):
  - StockItem: Item metadata (name, unit, minimum threshold, unit cost)
  - Transaction: A stock movement, IN or OUT, with a positive quantity
  - ReversalRecord: The fact and reason of a reversal, kept after undo
  - BalanceSnapshot: Derived quantity + health for one item
  - Direction / Status / Health: Closed enums parsed at the boundary

DESIGN PRINCIPLES:
  1. Derived balances: Quantity is never stored on the item. It is the sum
     of the signed effects of ACTIVE transactions.
  2. No physical deletes: Reversal flips a status flag and is itself
     recorded. Undo flips it back and marks the record UNDONE.
  3. Explicit actors: Every mutation takes the actor as a parameter.
  4. Precision: Valuation uses decimal.Decimal, quantities are integers.

USAGE:
  inv := inventory.New(store.NewMemory(), inventory.Options{})
  item, _ := inv.Items.Create(ctx, inventory.StockItem{Name: "Flour", Unit: "kg", MinThreshold: 10}, "admin")
  res, _ := inv.Coordinator.RecordAndRebalance(ctx, inventory.RecordInput{
      ItemID:    item.ID,
      Direction: inventory.DirectionIn,
      Quantity:  50,
      Actor:     "clerk-7",
  })
  fmt.Println(res.Balance.Quantity, res.Balance.Health) // 50 OK

SEE ALSO:
  - ledger.go: Transaction state machine
  - balance.go: Fold and running totals
  - reconcile.go: Atomic compound operations
  - query.go: Paginated projections
*/
package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type TransactionID string
type ReversalID string

// =============================================================================
// DIRECTION - Closed set of movement kinds
// =============================================================================

type Direction string

const (
	DirectionIn  Direction = "IN"  // Stock received
	DirectionOut Direction = "OUT" // Stock withdrawn
)

// ParseDirection accepts "IN"/"OUT" in any case.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case DirectionIn, DirectionOut:
		return d, nil
	default:
		return "", &ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", s)}
	}
}

// Sign returns +1 for IN and -1 for OUT. Unknown directions have no effect.
func (d Direction) Sign() int64 {
	switch d {
	case DirectionIn:
		return 1
	case DirectionOut:
		return -1
	default:
		return 0
	}
}

func (d Direction) Valid() bool { return d.Sign() != 0 }

// =============================================================================
// STATUS - Transaction lifecycle (ACTIVE -> REVERSED -> ACTIVE)
// =============================================================================

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReversed Status = "REVERSED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusReversed:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
}

// =============================================================================
// HEALTH - Balance classification against the minimum threshold
// =============================================================================

type Health string

const (
	HealthOK       Health = "OK"
	HealthLow      Health = "LOW"
	HealthCritical Health = "CRITICAL"
)

// Classify maps a balance to its health status:
// CRITICAL at or below zero, LOW below the threshold, OK otherwise.
func Classify(balance, minThreshold int64) Health {
	switch {
	case balance <= 0:
		return HealthCritical
	case balance < minThreshold:
		return HealthLow
	default:
		return HealthOK
	}
}

// =============================================================================
// STOCK ITEM
// =============================================================================

type StockItem struct {
	ID            ItemID
	Name          string
	Category      string
	Unit          string
	MinThreshold  int64
	UnitCost      decimal.Decimal
	Active        bool
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ItemPatch carries metadata edits. Nil fields are left unchanged.
type ItemPatch struct {
	Name         *string
	Category     *string
	Unit         *string
	MinThreshold *int64
	UnitCost     *decimal.Decimal
}

func (p ItemPatch) IsEmpty() bool {
	return p.Name == nil && p.Category == nil && p.Unit == nil && p.MinThreshold == nil && p.UnitCost == nil
}

// =============================================================================
// TRANSACTION - A stock movement
// =============================================================================

type Transaction struct {
	ID         TransactionID
	Seq        int64 // Store-assigned insertion order, tie-break for equal OccurredAt
	ItemID     ItemID
	Direction  Direction
	Quantity   int64
	Actor      string
	OccurredAt time.Time
	Notes      string
	Status     Status
	ReversalID ReversalID // Applied reversal while Status == StatusReversed

	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Effect is the signed contribution to the item's balance.
// Reversed transactions contribute nothing.
func (t Transaction) Effect() int64 {
	if t.Status != StatusActive {
		return 0
	}
	return t.Direction.Sign() * t.Quantity
}

// TransactionPatch corrects a transaction. Direction and item are immutable.
type TransactionPatch struct {
	Quantity *int64
	Notes    *string
}

func (p TransactionPatch) IsEmpty() bool { return p.Quantity == nil && p.Notes == nil }

// RecordInput is everything needed to append a movement.
type RecordInput struct {
	ItemID         ItemID
	Direction      Direction
	Quantity       int64
	Actor          string
	Notes          string
	OccurredAt     time.Time // Zero means "now"
	IdempotencyKey string
}

// =============================================================================
// REVERSAL RECORD
// =============================================================================

type ReversalState string

const (
	ReversalApplied ReversalState = "APPLIED"
	ReversalUndone  ReversalState = "UNDONE"
)

type ReversalRecord struct {
	ID            ReversalID
	TransactionID TransactionID
	ItemID        ItemID
	Reason        string
	Actor         string
	ReversedAt    time.Time
	State         ReversalState
	UndoneBy      string
	UndoneAt      *time.Time
}

// =============================================================================
// BALANCE SNAPSHOT - Derived, never persisted as source of truth
// =============================================================================

type BalanceSnapshot struct {
	ItemID       ItemID
	Quantity     int64
	MinThreshold int64
	Health       Health
	Value        decimal.Decimal // Quantity x UnitCost
	AsOf         time.Time
}

func newSnapshot(item StockItem, quantity int64, asOf time.Time) BalanceSnapshot {
	return BalanceSnapshot{
		ItemID:       item.ID,
		Quantity:     quantity,
		MinThreshold: item.MinThreshold,
		Health:       Classify(quantity, item.MinThreshold),
		Value:        item.UnitCost.Mul(decimal.NewFromInt(quantity)),
		AsOf:         asOf,
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Range bounds OccurredAt inclusively. Zero bounds are open.
type Range struct {
	From time.Time
	To   time.Time
}

// Validate rejects a range whose end precedes its start.
func (r Range) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return &ValidationError{Field: "to", Message: "must not be before from"}
	}
	return nil
}

func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// TransactionFilter selects transactions. Zero fields match everything.
type TransactionFilter struct {
	ItemID    ItemID
	Range     Range
	Direction Direction
	Status    Status
}

func (f TransactionFilter) Match(tx Transaction) bool {
	if f.ItemID != "" && tx.ItemID != f.ItemID {
		return false
	}
	if f.Direction != "" && tx.Direction != f.Direction {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	return f.Range.Contains(tx.OccurredAt)
}

// TransactionQuery is a filter plus an optional window. Limit 0 returns all.
type TransactionQuery struct {
	Filter TransactionFilter
	Offset int
	Limit  int
}

// Less orders transactions by OccurredAt, then insertion sequence.
func Less(a, b Transaction) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.Seq < b.Seq
}
