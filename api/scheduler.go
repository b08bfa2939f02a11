/*
scheduler.go - Periodic balance verification

PURPOSE:
  Periodically re-folds every item's balance from its transactions and
  repairs running totals that drifted (BalanceEngine.VerifyAll). In fold
  mode there is nothing to repair, but the run still proves the store is
  readable and is reported in /healthz.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Each run is bounded by RunTimeout
  - The last report is kept for /healthz

USAGE:
  scheduler := NewDriftScheduler(inv.Balances, logger)
  scheduler.CheckInterval = 10 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - inventory/balance.go: Verify / VerifyAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// Verifier is the part of the balance engine the scheduler drives.
type Verifier interface {
	VerifyAll(ctx context.Context) ([]*inventory.DriftError, error)
}

// VerifyReport is the outcome of one scheduled run.
type VerifyReport struct {
	At     time.Time
	Drifts []*inventory.DriftError
	Err    error
}

// DriftScheduler runs VerifyAll on a ticker.
type DriftScheduler struct {
	Balances      Verifier
	CheckInterval time.Duration
	RunTimeout    time.Duration
	Log           *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	last    VerifyReport
	hasLast bool
}

func NewDriftScheduler(balances Verifier, log *slog.Logger) *DriftScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &DriftScheduler{
		Balances:      balances,
		CheckInterval: 10 * time.Minute,
		RunTimeout:    time.Minute,
		Log:           log,
	}
}

// Start begins the scheduler. A non-positive interval disables it.
func (ds *DriftScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.CheckInterval <= 0 {
		ds.Log.Info("drift scheduler disabled")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.stop = make(chan struct{})
	ds.wg.Add(1)
	go ds.run()

	ds.Log.Info("drift scheduler started", "interval", ds.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run.
func (ds *DriftScheduler) Stop() {
	ds.mu.Lock()
	if ds.ticker == nil {
		ds.mu.Unlock()
		return
	}
	ds.ticker.Stop()
	close(ds.stop)
	ds.ticker = nil
	ds.mu.Unlock()

	ds.wg.Wait()
	ds.Log.Info("drift scheduler stopped")
}

// LastReport returns the most recent run, if any.
func (ds *DriftScheduler) LastReport() (VerifyReport, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.last, ds.hasLast
}

func (ds *DriftScheduler) run() {
	defer ds.wg.Done()

	ds.RunOnce(context.Background())

	ds.mu.Lock()
	ticker, stop := ds.ticker, ds.stop
	ds.mu.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			ds.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce verifies every balance and records the report.
func (ds *DriftScheduler) RunOnce(ctx context.Context) VerifyReport {
	if ds.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ds.RunTimeout)
		defer cancel()
	}

	drifts, err := ds.Balances.VerifyAll(ctx)
	report := VerifyReport{At: time.Now().UTC(), Drifts: drifts, Err: err}

	switch {
	case err != nil:
		ds.Log.Error("balance verification failed", "error", err, "drifts", len(drifts))
	case len(drifts) > 0:
		ds.Log.Warn("balance verification repaired drift", "drifts", len(drifts))
	default:
		ds.Log.Debug("balance verification clean")
	}

	ds.mu.Lock()
	ds.last = report
	ds.hasLast = true
	ds.mu.Unlock()
	return report
}
