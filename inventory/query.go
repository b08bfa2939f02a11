package inventory

import (
	"context"
	"math"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one window of a filtered, ordered transaction history.
type Page struct {
	Items      []Transaction
	TotalCount int // Size of the filtered set before pagination
	PageNumber int
	PageSize   int
	TotalPages int
}

// QueryView serves read-only projections for reporting and dashboards.
// Ordering is (OccurredAt, Seq), stable across calls absent mutation.
type QueryView struct {
	store Store
}

func NewQueryView(store Store) *QueryView {
	return &QueryView{store: store}
}

// Page returns page pageNumber (1-based) of the filtered history.
// Pages past the end are empty but still report TotalCount.
func (q *QueryView) Page(ctx context.Context, filter TransactionFilter, pageNumber, pageSize int) (Page, error) {
	if pageNumber < 1 {
		return Page{}, &ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if pageSize < 1 {
		return Page{}, &ValidationError{Field: "page_size", Message: "must be at least 1"}
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if filter.Direction != "" && !filter.Direction.Valid() {
		return Page{}, &ValidationError{Field: "direction", Message: "must be IN or OUT"}
	}
	if err := filter.Range.Validate(); err != nil {
		return Page{}, err
	}

	// Offsets past MaxInt are past any real result set; they stay there.
	offset := math.MaxInt
	if pageNumber-1 <= math.MaxInt/pageSize {
		offset = (pageNumber - 1) * pageSize
	}

	txs, total, err := q.store.QueryTransactions(ctx, TransactionQuery{
		Filter: filter,
		Offset: offset,
		Limit:  pageSize,
	})
	if err != nil {
		return Page{}, err
	}
	if txs == nil {
		txs = []Transaction{}
	}

	return Page{
		Items:      txs,
		TotalCount: total,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Audit returns audit entries, oldest first.
func (q *QueryView) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.Limit < 0 {
		return nil, &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	if err := filter.Range.Validate(); err != nil {
		return nil, err
	}
	return q.store.QueryAudit(ctx, filter)
}
