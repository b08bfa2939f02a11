/*
Package sqldb provides a database/sql implementation of inventory.Store.

PURPOSE:
  Persists items, movements, reversal records and the audit log in SQLite
  (single process, embedded) or MySQL (shared by several processes). The
  SQL is the same for both; only the DDL differs (see schema.go).

NO DELETES:
  There is no DELETE statement in this package. Transactions are updated
  only in their mutable columns (quantity, notes, status, reversal_id).

KEY TABLES:
  stock_items:  Item metadata, soft-deleted via active/deactivated_at
  transactions: Movements; seq (auto increment) is the tie-break order
  reversals:    Reversal records, APPLIED or UNDONE
  audit_log:    Append-only who-did-what log

CONCURRENCY:
  SQLite is opened with a single connection: it has one writer anyway,
  and a ":memory:" database only exists on the connection that made it.
  Calls made outside WithTx wait for the connection while a transaction
  holds it. MySQL uses a normal pool; cross-process serialization of
  item mutations comes from the distributed locker.

ERRORS:
  sql.ErrNoRows becomes ErrUnknownItem / ErrNotFound, unique violations
  become ErrConflict or ErrDuplicateIdempotencyKey, everything else is
  wrapped as ErrUnavailable.

USAGE:
  store, err := sqldb.New("sqlite3", "./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  inv := inventory.New(store, inventory.Options{})

MIGRATION:
  Schema is auto-migrated on New() with CREATE TABLE IF NOT EXISTS.

SEE ALSO:
  - inventory/store.go: Interface definitions
  - inventory/store/memory.go: In-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/inventory"
)

// timeLayout is fixed width so that lexical order is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements inventory.Store on a *sql.DB.
type Store struct {
	queries
	conn *sql.DB
}

var _ inventory.Store = (*Store)(nil)

// New opens a store. driver is "sqlite3" or "mysql"; for SQLite use
// ":memory:" for an in-memory database.
func New(driver, dsn string) (*Store, error) {
	dialect := Dialect(driver)
	switch dialect {
	case DialectSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{ex: db, dialect: dialect}, conn: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.conn.PingContext(ctx))
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{ex: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}
	return wrap("commit transaction", sqlTx.Commit())
}

type txStore struct {
	queries
}

// WithTx joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(inventory.Store) error) error {
	return fn(ts)
}

func (ts *txStore) Ping(context.Context) error { return nil }

// queries holds every statement, run against either the pool or a tx.
type queries struct {
	ex      querier
	dialect Dialect
}

// =============================================================================
// ITEM STORE
// =============================================================================

const itemColumns = `id, name, category, unit, min_threshold, unit_cost, active, deactivated_at, created_at, updated_at`

func (q queries) CreateItem(ctx context.Context, item inventory.StockItem) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO stock_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.ID), item.Name, item.Category, item.Unit, item.MinThreshold,
		item.UnitCost.String(), item.Active, nullTime(item.DeactivatedAt),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return &inventory.ConflictError{Resource: "item", ID: string(item.ID), Reason: "already exists"}
	}
	return wrap("create item", err)
}

func (q queries) GetItem(ctx context.Context, id inventory.ItemID) (inventory.StockItem, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM stock_items WHERE id = ?`, string(id))
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.StockItem{}, inventory.UnknownItem(id)
	}
	return item, wrap("get item", err)
}

func (q queries) SaveItem(ctx context.Context, item inventory.StockItem) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE stock_items
		SET name = ?, category = ?, unit = ?, min_threshold = ?, unit_cost = ?,
		    active = ?, deactivated_at = ?, updated_at = ?
		WHERE id = ?`,
		item.Name, item.Category, item.Unit, item.MinThreshold, item.UnitCost.String(),
		item.Active, nullTime(item.DeactivatedAt), formatTime(item.UpdatedAt), string(item.ID),
	)
	if err != nil {
		return wrap("save item", err)
	}
	return q.requireRow(ctx, res, "stock_items", string(item.ID), inventory.UnknownItem(item.ID))
}

func (q queries) ListItems(ctx context.Context, includeInactive bool) ([]inventory.StockItem, error) {
	query := `SELECT ` + itemColumns + ` FROM stock_items`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := q.ex.QueryContext(ctx, query)
	if err != nil {
		return nil, wrap("list items", err)
	}
	defer rows.Close()

	items := []inventory.StockItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrap("scan item", err)
		}
		items = append(items, item)
	}
	return items, wrap("list items", rows.Err())
}

func scanItem(row scanner) (inventory.StockItem, error) {
	var (
		item          inventory.StockItem
		id            string
		unitCost      string
		deactivatedAt sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&id, &item.Name, &item.Category, &item.Unit, &item.MinThreshold,
		&unitCost, &item.Active, &deactivatedAt, &createdAt, &updatedAt)
	if err != nil {
		return inventory.StockItem{}, err
	}
	if item.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return inventory.StockItem{}, fmt.Errorf("invalid unit_cost %q: %w", unitCost, err)
	}
	var tp timeParser
	item.ID = inventory.ItemID(id)
	item.DeactivatedAt = tp.parseNull("deactivated_at", deactivatedAt)
	item.CreatedAt = tp.parse("created_at", createdAt)
	item.UpdatedAt = tp.parse("updated_at", updatedAt)
	if tp.err != nil {
		return inventory.StockItem{}, fmt.Errorf("item %s: %w", id, tp.err)
	}
	return item, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const txColumns = `seq, id, item_id, direction, quantity, actor, occurred_at, notes, status,
	reversal_id, idempotency_key, created_at, updated_at`

func (q queries) AppendTransaction(ctx context.Context, tx inventory.Transaction) (inventory.Transaction, error) {
	res, err := q.ex.ExecContext(ctx, `
		INSERT INTO transactions
		(id, item_id, direction, quantity, actor, occurred_at, notes, status,
		 reversal_id, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.ItemID), string(tx.Direction), tx.Quantity, tx.Actor,
		formatTime(tx.OccurredAt), tx.Notes, string(tx.Status),
		nullString(string(tx.ReversalID)), nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "idempotency_key") {
			return inventory.Transaction{}, inventory.ErrDuplicateIdempotencyKey
		}
		return inventory.Transaction{}, &inventory.ConflictError{Resource: "transaction", ID: string(tx.ID), Reason: "already exists"}
	}
	if err != nil {
		return inventory.Transaction{}, wrap("append transaction", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return inventory.Transaction{}, wrap("read transaction seq", err)
	}
	tx.Seq = seq
	tx.OccurredAt = tx.OccurredAt.UTC()
	return tx, nil
}

func (q queries) GetTransaction(ctx context.Context, id inventory.TransactionID) (inventory.Transaction, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, string(id))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Transaction{}, inventory.NotFound("transaction", string(id))
	}
	return tx, wrap("get transaction", err)
}

func (q queries) FindByIdempotencyKey(ctx context.Context, key string) (inventory.Transaction, bool, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Transaction{}, false, nil
	}
	if err != nil {
		return inventory.Transaction{}, false, wrap("find idempotency key", err)
	}
	return tx, true, nil
}

// SaveTransaction writes only the mutable columns. Item, direction,
// occurred_at and seq never change after insert.
func (q queries) SaveTransaction(ctx context.Context, tx inventory.Transaction) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE transactions
		SET quantity = ?, notes = ?, status = ?, reversal_id = ?, updated_at = ?
		WHERE id = ?`,
		tx.Quantity, tx.Notes, string(tx.Status), nullString(string(tx.ReversalID)),
		formatTime(tx.UpdatedAt), string(tx.ID),
	)
	if err != nil {
		return wrap("save transaction", err)
	}
	return q.requireRow(ctx, res, "transactions", string(tx.ID), inventory.NotFound("transaction", string(tx.ID)))
}

func (q queries) QueryTransactions(ctx context.Context, tq inventory.TransactionQuery) ([]inventory.Transaction, int, error) {
	where, args := transactionWhere(tq.Filter)
	query := `SELECT ` + txColumns + ` FROM transactions` + where + ` ORDER BY occurred_at ASC, seq ASC`

	paged := tq.Limit > 0 || tq.Offset > 0
	if paged {
		limit := int64(tq.Limit)
		if limit <= 0 {
			limit = math.MaxInt64
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, tq.Offset)
	}

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap("query transactions", err)
	}
	defer rows.Close()

	txs := []inventory.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, wrap("scan transaction", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("query transactions", err)
	}
	if !paged {
		return txs, len(txs), nil
	}

	// The result set is closed before the count runs: SQLite has one connection.
	rows.Close()
	countArgs := args[:len(args)-2]
	var total int
	if err := q.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrap("count transactions", err)
	}
	return txs, total, nil
}

func transactionWhere(f inventory.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, string(f.ItemID))
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Range.From.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, formatTime(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, formatTime(f.Range.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTransaction(row scanner) (inventory.Transaction, error) {
	var (
		tx             inventory.Transaction
		id, itemID     string
		direction      string
		status         string
		occurredAt     string
		reversalID     sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&tx.Seq, &id, &itemID, &direction, &tx.Quantity, &tx.Actor,
		&occurredAt, &tx.Notes, &status, &reversalID, &idempotencyKey, &createdAt, &updatedAt)
	if err != nil {
		return inventory.Transaction{}, err
	}
	var tp timeParser
	tx.ID = inventory.TransactionID(id)
	tx.ItemID = inventory.ItemID(itemID)
	tx.Direction = inventory.Direction(direction)
	tx.Status = inventory.Status(status)
	tx.OccurredAt = tp.parse("occurred_at", occurredAt)
	tx.ReversalID = inventory.ReversalID(reversalID.String)
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = tp.parse("created_at", createdAt)
	tx.UpdatedAt = tp.parse("updated_at", updatedAt)
	if tp.err != nil {
		return inventory.Transaction{}, fmt.Errorf("transaction %s: %w", id, tp.err)
	}
	return tx, nil
}

// =============================================================================
// REVERSAL STORE
// =============================================================================

const reversalColumns = `id, transaction_id, item_id, reason, actor, reversed_at, state, undone_by, undone_at`

func (q queries) CreateReversal(ctx context.Context, r inventory.ReversalRecord) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO reversals (`+reversalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.TransactionID), string(r.ItemID), r.Reason, r.Actor,
		formatTime(r.ReversedAt), string(r.State), nullString(r.UndoneBy), nullTime(r.UndoneAt),
	)
	if isUniqueViolation(err) {
		return &inventory.ConflictError{Resource: "reversal", ID: string(r.ID), Reason: "already exists"}
	}
	return wrap("create reversal", err)
}

func (q queries) SaveReversal(ctx context.Context, r inventory.ReversalRecord) error {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE reversals SET state = ?, undone_by = ?, undone_at = ? WHERE id = ?`,
		string(r.State), nullString(r.UndoneBy), nullTime(r.UndoneAt), string(r.ID),
	)
	if err != nil {
		return wrap("save reversal", err)
	}
	return q.requireRow(ctx, res, "reversals", string(r.ID), inventory.NotFound("reversal", string(r.ID)))
}

func (q queries) ListReversals(ctx context.Context, txID inventory.TransactionID) ([]inventory.ReversalRecord, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT `+reversalColumns+` FROM reversals WHERE transaction_id = ? ORDER BY seq ASC`, string(txID))
	if err != nil {
		return nil, wrap("list reversals", err)
	}
	defer rows.Close()

	var recs []inventory.ReversalRecord
	for rows.Next() {
		var (
			r                      inventory.ReversalRecord
			id, tID, itemID, state string
			reversedAt             string
			undoneBy, undoneAt     sql.NullString
		)
		if err := rows.Scan(&id, &tID, &itemID, &r.Reason, &r.Actor, &reversedAt, &state, &undoneBy, &undoneAt); err != nil {
			return nil, wrap("scan reversal", err)
		}
		var tp timeParser
		r.ID = inventory.ReversalID(id)
		r.TransactionID = inventory.TransactionID(tID)
		r.ItemID = inventory.ItemID(itemID)
		r.ReversedAt = tp.parse("reversed_at", reversedAt)
		r.State = inventory.ReversalState(state)
		r.UndoneBy = undoneBy.String
		r.UndoneAt = tp.parseNull("undone_at", undoneAt)
		if tp.err != nil {
			return nil, wrap("scan reversal", fmt.Errorf("reversal %s: %w", id, tp.err))
		}
		recs = append(recs, r)
	}
	return recs, wrap("list reversals", rows.Err())
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (q queries) AppendAudit(ctx context.Context, e inventory.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	_, err = q.ex.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor, action, item_id, transaction_id, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.Actor, string(e.Action), string(e.ItemID), string(e.TransactionID), string(details),
	)
	return wrap("append audit", err)
}

func (q queries) QueryAudit(ctx context.Context, f inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, string(f.ItemID))
	}
	if f.TransactionID != "" {
		conds = append(conds, "transaction_id = ?")
		args = append(args, string(f.TransactionID))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		conds = append(conds, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Range.From.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, formatTime(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		conds = append(conds, "at <= ?")
		args = append(args, formatTime(f.Range.To))
	}

	query := `SELECT id, at, actor, action, item_id, transaction_id, details_json FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query audit", err)
	}
	defer rows.Close()

	var entries []inventory.AuditEntry
	for rows.Next() {
		var (
			e            inventory.AuditEntry
			at, action   string
			itemID, txID string
			details      sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &action, &itemID, &txID, &details); err != nil {
			return nil, wrap("scan audit", err)
		}
		var tp timeParser
		if e.At = tp.parse("at", at); tp.err != nil {
			return nil, wrap("scan audit", fmt.Errorf("audit entry %s: %w", e.ID, tp.err))
		}
		e.Action = inventory.AuditAction(action)
		e.ItemID = inventory.ItemID(itemID)
		e.TransactionID = inventory.TransactionID(txID)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, wrap("query audit", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// requireRow maps an UPDATE that touched nothing to missing. MySQL reports
// zero affected rows for no-op updates, so existence is checked explicitly.
func (q queries) requireRow(ctx context.Context, res sql.Result, table, id string, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := q.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&count); err != nil {
		return wrap("check "+table, err)
	}
	if count == 0 {
		return missing
	}
	return nil
}

func wrap(op string, err error) error {
	return inventory.Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeParser parses timestamp columns and keeps the first failure, so a
// row scan checks once instead of after every column.
type timeParser struct {
	err error
}

func (p *timeParser) parse(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("invalid %s %q: %w", column, s, err)
		}
		return time.Time{}
	}
	return t.UTC()
}

func (p *timeParser) parseNull(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := p.parse(column, s.String)
	return &t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
