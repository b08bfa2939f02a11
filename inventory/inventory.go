package inventory

import (
	"io"
	"log/slog"
	"time"
)

// =============================================================================
// OPTIONS
// =============================================================================

// StockPolicy decides what happens when a mutation would drive a balance
// below zero.
type StockPolicy int

const (
	StockBlock StockPolicy = iota // Reject with ErrInsufficientStock (default)
	StockAllow                    // Permit negative balances (health CRITICAL)
)

func (p StockPolicy) String() string {
	switch p {
	case StockBlock:
		return "block"
	case StockAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds coordinator retries of transient failures.
// MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Options struct {
	StockPolicy StockPolicy
	BalanceMode BalanceMode
	Locker      Locker        // Defaults to an in-process KeyedMutex
	LockTimeout time.Duration // Bounded wait for an item lock; default 5s
	Retry       RetryPolicy
	Clock       func() time.Time // Defaults to time.Now in UTC
	Logger      *slog.Logger     // Defaults to a discarding logger
}

func (o Options) withDefaults() Options {
	if o.Locker == nil {
		o.Locker = NewKeyedMutex()
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Retry.InitialInterval == 0 {
		o.Retry.InitialInterval = 50 * time.Millisecond
	}
	if o.Retry.MaxInterval == 0 {
		o.Retry.MaxInterval = time.Second
	}
	return o
}

// =============================================================================
// INVENTORY - The wired set of components sharing one store and locker
// =============================================================================

type Inventory struct {
	Items       *Registry
	Ledger      *Ledger
	Balances    *BalanceEngine
	Coordinator *Coordinator
	Query       *QueryView
}

// New wires every component over the same store, locker and balance cache.
func New(store Store, opts Options) *Inventory {
	opts = opts.withDefaults()
	balances := NewBalanceEngine(store, opts)
	ledger := NewLedger(store, balances, opts)
	return &Inventory{
		Items:       NewRegistry(store, balances, opts),
		Ledger:      ledger,
		Balances:    balances,
		Coordinator: NewCoordinator(ledger, opts),
		Query:       NewQueryView(store),
	}
}
