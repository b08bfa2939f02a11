// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/stock-ledger/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything behind one RWMutex. WithTx holds the write lock
// for the whole unit, so units on distinct items serialize here even though
// the ledger's per-item locker lets them proceed independently. Units do
// no I/O, so the critical section stays short; the SQL stores scope
// isolation to the database transaction instead.
type Memory struct {
	mu          sync.RWMutex
	items       map[inventory.ItemID]inventory.StockItem
	txs         map[inventory.TransactionID]inventory.Transaction
	order       []inventory.TransactionID // Sorted by (OccurredAt, Seq)
	idempotency map[string]inventory.TransactionID
	reversals   map[inventory.TransactionID][]inventory.ReversalRecord
	audit       []inventory.AuditEntry
	seq         int64
}

var _ inventory.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		items:       make(map[inventory.ItemID]inventory.StockItem),
		txs:         make(map[inventory.TransactionID]inventory.Transaction),
		idempotency: make(map[string]inventory.TransactionID),
		reversals:   make(map[inventory.TransactionID][]inventory.ReversalRecord),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

// =============================================================================
// ITEMS
// =============================================================================

func (m *Memory) CreateItem(_ context.Context, item inventory.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createItemLocked(item)
}

func (m *Memory) GetItem(_ context.Context, id inventory.ItemID) (inventory.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) SaveItem(_ context.Context, item inventory.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.saveItemLocked(item)
	return err
}

func (m *Memory) ListItems(_ context.Context, includeInactive bool) ([]inventory.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItemsLocked(includeInactive), nil
}

func (m *Memory) createItemLocked(item inventory.StockItem) error {
	if _, ok := m.items[item.ID]; ok {
		return &inventory.ConflictError{Resource: "item", ID: string(item.ID), Reason: "already exists"}
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) getItemLocked(id inventory.ItemID) (inventory.StockItem, error) {
	item, ok := m.items[id]
	if !ok {
		return inventory.StockItem{}, inventory.UnknownItem(id)
	}
	return item, nil
}

func (m *Memory) saveItemLocked(item inventory.StockItem) (inventory.StockItem, error) {
	prev, ok := m.items[item.ID]
	if !ok {
		return inventory.StockItem{}, inventory.UnknownItem(item.ID)
	}
	m.items[item.ID] = item
	return prev, nil
}

func (m *Memory) listItemsLocked(includeInactive bool) []inventory.StockItem {
	result := make([]inventory.StockItem, 0, len(m.items))
	for _, item := range m.items {
		if includeInactive || item.Active {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx inventory.Transaction) (inventory.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id inventory.TransactionID) (inventory.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTxLocked(id)
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (inventory.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByKeyLocked(key)
}

func (m *Memory) SaveTransaction(_ context.Context, tx inventory.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.saveTxLocked(tx)
	return err
}

func (m *Memory) QueryTransactions(_ context.Context, q inventory.TransactionQuery) ([]inventory.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs, total := m.queryLocked(q)
	return txs, total, nil
}

func (m *Memory) appendLocked(tx inventory.Transaction) (inventory.Transaction, error) {
	if _, ok := m.txs[tx.ID]; ok {
		return inventory.Transaction{}, &inventory.ConflictError{Resource: "transaction", ID: string(tx.ID), Reason: "already exists"}
	}
	if tx.IdempotencyKey != "" {
		if _, ok := m.idempotency[tx.IdempotencyKey]; ok {
			return inventory.Transaction{}, inventory.ErrDuplicateIdempotencyKey
		}
	}

	m.seq++
	tx.Seq = m.seq
	m.txs[tx.ID] = tx
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = tx.ID
	}

	// Binary search for insertion point keeps order sorted without a re-sort.
	i := sort.Search(len(m.order), func(i int) bool {
		return inventory.Less(tx, m.txs[m.order[i]])
	})
	m.order = append(m.order, "")
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = tx.ID
	return tx, nil
}

// removeLocked undoes appendLocked. Only used for rollback.
func (m *Memory) removeLocked(tx inventory.Transaction) {
	for i, id := range m.order {
		if id == tx.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	delete(m.txs, tx.ID)
	if tx.IdempotencyKey != "" {
		delete(m.idempotency, tx.IdempotencyKey)
	}
	if m.seq == tx.Seq {
		m.seq--
	}
}

func (m *Memory) getTxLocked(id inventory.TransactionID) (inventory.Transaction, error) {
	tx, ok := m.txs[id]
	if !ok {
		return inventory.Transaction{}, inventory.NotFound("transaction", string(id))
	}
	return tx, nil
}

func (m *Memory) findByKeyLocked(key string) (inventory.Transaction, bool, error) {
	id, ok := m.idempotency[key]
	if !ok {
		return inventory.Transaction{}, false, nil
	}
	return m.txs[id], true, nil
}

// saveTxLocked keeps the stored ordering fields; only mutable fields change.
func (m *Memory) saveTxLocked(tx inventory.Transaction) (inventory.Transaction, error) {
	prev, ok := m.txs[tx.ID]
	if !ok {
		return inventory.Transaction{}, inventory.NotFound("transaction", string(tx.ID))
	}
	next := prev
	next.Quantity = tx.Quantity
	next.Notes = tx.Notes
	next.Status = tx.Status
	next.ReversalID = tx.ReversalID
	next.UpdatedAt = tx.UpdatedAt
	m.txs[tx.ID] = next
	return prev, nil
}

func (m *Memory) queryLocked(q inventory.TransactionQuery) ([]inventory.Transaction, int) {
	var matched []inventory.Transaction
	for _, id := range m.order {
		tx := m.txs[id]
		if q.Filter.Match(tx) {
			matched = append(matched, tx)
		}
	}
	total := len(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []inventory.Transaction{}, total
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total
}

// =============================================================================
// REVERSALS
// =============================================================================

func (m *Memory) CreateReversal(_ context.Context, r inventory.ReversalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReversalLocked(r)
}

func (m *Memory) SaveReversal(_ context.Context, r inventory.ReversalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.saveReversalLocked(r)
	return err
}

func (m *Memory) ListReversals(_ context.Context, txID inventory.TransactionID) ([]inventory.ReversalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]inventory.ReversalRecord(nil), m.reversals[txID]...), nil
}

func (m *Memory) createReversalLocked(r inventory.ReversalRecord) error {
	for _, existing := range m.reversals[r.TransactionID] {
		if existing.ID == r.ID {
			return &inventory.ConflictError{Resource: "reversal", ID: string(r.ID), Reason: "already exists"}
		}
	}
	m.reversals[r.TransactionID] = append(m.reversals[r.TransactionID], r)
	return nil
}

func (m *Memory) saveReversalLocked(r inventory.ReversalRecord) (inventory.ReversalRecord, error) {
	recs := m.reversals[r.TransactionID]
	for i := range recs {
		if recs[i].ID == r.ID {
			prev := recs[i]
			recs[i] = r
			return prev, nil
		}
	}
	return inventory.ReversalRecord{}, inventory.NotFound("reversal", string(r.ID))
}

func (m *Memory) dropReversalLocked(r inventory.ReversalRecord) {
	recs := m.reversals[r.TransactionID]
	for i := range recs {
		if recs[i].ID == r.ID {
			m.reversals[r.TransactionID] = append(recs[:i], recs[i+1:]...)
			return
		}
	}
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e inventory.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(e)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []inventory.AuditEntry
	for _, e := range m.audit {
		if !f.Match(e) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) appendAuditLocked(e inventory.AuditEntry) {
	details := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	e.Details = details
	m.audit = append(m.audit, e)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn while holding the store-wide write lock, so reads
// outside the unit never observe a partial write. Every write made through
// the view registers an undo step; on error they run in reverse.
func (m *Memory) WithTx(_ context.Context, fn func(inventory.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &memoryView{parent: m}
	if err := fn(view); err != nil {
		for i := len(view.undo) - 1; i >= 0; i-- {
			view.undo[i]()
		}
		return err
	}
	return nil
}

type memoryView struct {
	parent *Memory
	undo   []func()
}

func (v *memoryView) Ping(context.Context) error { return nil }

func (v *memoryView) WithTx(_ context.Context, fn func(inventory.Store) error) error {
	return fn(v)
}

func (v *memoryView) CreateItem(_ context.Context, item inventory.StockItem) error {
	if err := v.parent.createItemLocked(item); err != nil {
		return err
	}
	v.undo = append(v.undo, func() { delete(v.parent.items, item.ID) })
	return nil
}

func (v *memoryView) GetItem(_ context.Context, id inventory.ItemID) (inventory.StockItem, error) {
	return v.parent.getItemLocked(id)
}

func (v *memoryView) SaveItem(_ context.Context, item inventory.StockItem) error {
	prev, err := v.parent.saveItemLocked(item)
	if err != nil {
		return err
	}
	v.undo = append(v.undo, func() { v.parent.items[prev.ID] = prev })
	return nil
}

func (v *memoryView) ListItems(_ context.Context, includeInactive bool) ([]inventory.StockItem, error) {
	return v.parent.listItemsLocked(includeInactive), nil
}

func (v *memoryView) AppendTransaction(_ context.Context, tx inventory.Transaction) (inventory.Transaction, error) {
	stored, err := v.parent.appendLocked(tx)
	if err != nil {
		return inventory.Transaction{}, err
	}
	v.undo = append(v.undo, func() { v.parent.removeLocked(stored) })
	return stored, nil
}

func (v *memoryView) GetTransaction(_ context.Context, id inventory.TransactionID) (inventory.Transaction, error) {
	return v.parent.getTxLocked(id)
}

func (v *memoryView) FindByIdempotencyKey(_ context.Context, key string) (inventory.Transaction, bool, error) {
	return v.parent.findByKeyLocked(key)
}

func (v *memoryView) SaveTransaction(_ context.Context, tx inventory.Transaction) error {
	prev, err := v.parent.saveTxLocked(tx)
	if err != nil {
		return err
	}
	v.undo = append(v.undo, func() { v.parent.txs[prev.ID] = prev })
	return nil
}

func (v *memoryView) QueryTransactions(_ context.Context, q inventory.TransactionQuery) ([]inventory.Transaction, int, error) {
	txs, total := v.parent.queryLocked(q)
	return txs, total, nil
}

func (v *memoryView) CreateReversal(_ context.Context, r inventory.ReversalRecord) error {
	if err := v.parent.createReversalLocked(r); err != nil {
		return err
	}
	v.undo = append(v.undo, func() { v.parent.dropReversalLocked(r) })
	return nil
}

func (v *memoryView) SaveReversal(_ context.Context, r inventory.ReversalRecord) error {
	prev, err := v.parent.saveReversalLocked(r)
	if err != nil {
		return err
	}
	v.undo = append(v.undo, func() { _, _ = v.parent.saveReversalLocked(prev) })
	return nil
}

func (v *memoryView) ListReversals(_ context.Context, txID inventory.TransactionID) ([]inventory.ReversalRecord, error) {
	return append([]inventory.ReversalRecord(nil), v.parent.reversals[txID]...), nil
}

func (v *memoryView) AppendAudit(_ context.Context, e inventory.AuditEntry) error {
	v.parent.appendAuditLocked(e)
	n := len(v.parent.audit)
	v.undo = append(v.undo, func() { v.parent.audit = v.parent.audit[:n-1] })
	return nil
}

func (v *memoryView) QueryAudit(_ context.Context, f inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	var result []inventory.AuditEntry
	for _, e := range v.parent.audit {
		if f.Match(e) {
			result = append(result, e)
			if f.Limit > 0 && len(result) == f.Limit {
				break
			}
		}
	}
	return result, nil
}
