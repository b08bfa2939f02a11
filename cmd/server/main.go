/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, then STOCK_* environment variables)
  2. Open the store (SQLite or MySQL) and migrate the schema
  3. Pick the item locker: in-process, or Redis when configured
  4. Wire the inventory components and the HTTP router
  5. Start the drift scheduler and the server, with graceful shutdown

LOCKING AND BALANCE MODE:
  With Redis configured, several processes may write the same database,
  so balances are served in fold mode (no per-process running totals).
  Without Redis the process is the only writer and uses running totals.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close Redis and the database
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -dsn="./data/stock.db"

  # Run with in-memory database and debug logs
  ./server -dsn=":memory:" -log-level=debug

  # Run against MySQL with distributed locks
  STOCK_DB_DRIVER=mysql STOCK_DSN="user:pass@tcp(localhost:3306)/stock" \
  STOCK_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config.go: Flags and environment variables
  - api/server.go: Router configuration
  - store/sqldb/sqldb.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/store/sqldb"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg Config, logger *slog.Logger) error {
	// Initialize store
	store, err := sqldb.New(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	opts := inventory.Options{
		LockTimeout: cfg.LockTimeout,
		Retry:       inventory.RetryPolicy{MaxAttempts: cfg.RetryAttempts},
		Logger:      logger,
	}
	if cfg.AllowNegative {
		opts.StockPolicy = inventory.StockAllow
	}

	var redisLock *lock.Redis
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		redisLock = lock.NewRedis(client, 0, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisLock.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		opts.Locker = redisLock
		opts.BalanceMode = inventory.BalanceFold
	}

	inv := inventory.New(store, opts)

	handler := api.NewHandler(inv, store, logger)
	if redisLock != nil {
		handler.AddHealthCheck("redis", redisLock.Ping)
	}

	scheduler := api.NewDriftScheduler(inv.Balances, logger)
	scheduler.CheckInterval = cfg.VerifyInterval
	handler.AttachScheduler(scheduler)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Port, "db_driver", cfg.DBDriver,
			"balance_mode", inv.Balances.Mode().String(), "stock_policy", inv.Ledger.Policy().String(),
			"distributed_locks", redisLock != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
