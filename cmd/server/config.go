package main

import (
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config is the server configuration. Every flag falls back to an
// environment variable, which falls back to the default.
type Config struct {
	Port           int
	DBDriver       string
	DSN            string
	RedisAddr      string
	AllowNegative  bool
	LockTimeout    time.Duration
	RetryAttempts  uint
	VerifyInterval time.Duration
	LogLevel       slog.Level
	LogFormat      string
	CORSOrigins    []string
}

// loadConfig parses args with env as the fallback source.
func loadConfig(args []string, env func(string) string) (Config, error) {
	getEnv := func(key, fallback string) string {
		if value := env(key); value != "" {
			return value
		}
		return fallback
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	port := fs.String("port", getEnv("STOCK_PORT", "8080"), "HTTP server port")
	driver := fs.String("db-driver", getEnv("STOCK_DB_DRIVER", "sqlite3"), "Database driver: sqlite3 or mysql")
	dsn := fs.String("dsn", getEnv("STOCK_DSN", "stock.db"), `Database DSN (SQLite path, ":memory:", or MySQL DSN)`)
	redisAddr := fs.String("redis-addr", getEnv("STOCK_REDIS_ADDR", ""), "Redis address for distributed item locks (empty = in-process locks)")
	allowNegative := fs.String("allow-negative", getEnv("STOCK_ALLOW_NEGATIVE", "false"), "Permit negative balances")
	lockTimeout := fs.String("lock-timeout", getEnv("STOCK_LOCK_TIMEOUT", "5s"), "Bounded wait for an item lock")
	retryAttempts := fs.String("retry-attempts", getEnv("STOCK_RETRY_ATTEMPTS", "3"), "Attempts for transient failures (1 = no retry)")
	verifyInterval := fs.String("verify-interval", getEnv("STOCK_VERIFY_INTERVAL", "10m"), "Balance verification interval (0 = disabled)")
	logLevel := fs.String("log-level", getEnv("STOCK_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", getEnv("STOCK_LOG_FORMAT", "text"), "Log format: text or json")
	corsOrigins := fs.String("cors-origins", getEnv("STOCK_CORS_ORIGINS", "http://localhost:5173,http://localhost:8080"), "Comma-separated allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:  *driver,
		DSN:       *dsn,
		RedisAddr: *redisAddr,
		LogFormat: strings.ToLower(*logFormat),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(*port); err != nil || cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %q", *port)
	}
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "mysql" {
		return Config{}, fmt.Errorf("invalid db driver %q (want sqlite3 or mysql)", cfg.DBDriver)
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("dsn is required")
	}
	if cfg.AllowNegative, err = strconv.ParseBool(*allowNegative); err != nil {
		return Config{}, fmt.Errorf("invalid allow-negative %q: %w", *allowNegative, err)
	}
	if cfg.LockTimeout, err = time.ParseDuration(*lockTimeout); err != nil || cfg.LockTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid lock-timeout %q", *lockTimeout)
	}
	attempts, err := strconv.ParseUint(*retryAttempts, 10, 32)
	if err != nil || attempts == 0 {
		return Config{}, fmt.Errorf("invalid retry-attempts %q", *retryAttempts)
	}
	cfg.RetryAttempts = uint(attempts)
	if cfg.VerifyInterval, err = time.ParseDuration(*verifyInterval); err != nil || cfg.VerifyInterval < 0 {
		return Config{}, fmt.Errorf("invalid verify-interval %q", *verifyInterval)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return Config{}, fmt.Errorf("invalid log-level %q: %w", *logLevel, err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("invalid log-format %q (want text or json)", *logFormat)
	}
	for _, origin := range strings.Split(*corsOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	return cfg, nil
}
