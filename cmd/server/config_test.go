package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(nil, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "stock.db", cfg.DSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.AllowNegative)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, uint(3), cfg.RetryAttempts)
	assert.Equal(t, 10*time.Minute, cfg.VerifyInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestLoadConfig_EnvironmentFallback(t *testing.T) {
	cfg, err := loadConfig(nil, envOf(map[string]string{
		"STOCK_PORT":           "9090",
		"STOCK_DB_DRIVER":      "mysql",
		"STOCK_DSN":            "u:p@tcp(db:3306)/stock",
		"STOCK_REDIS_ADDR":     "redis:6379",
		"STOCK_ALLOW_NEGATIVE": "true",
		"STOCK_LOG_LEVEL":      "debug",
		"STOCK_LOG_FORMAT":     "JSON",
		"STOCK_CORS_ORIGINS":   " https://a.example , ,https://b.example",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.AllowNegative)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	cfg, err := loadConfig(
		[]string{"-port", "7000", "-dsn", ":memory:", "-verify-interval", "0"},
		envOf(map[string]string{"STOCK_PORT": "9090", "STOCK_DSN": "other.db"}),
	)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DSN)
	assert.Zero(t, cfg.VerifyInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"port":           {"STOCK_PORT": "http"},
		"driver":         {"STOCK_DB_DRIVER": "postgres"},
		"allow negative": {"STOCK_ALLOW_NEGATIVE": "maybe"},
		"lock timeout":   {"STOCK_LOCK_TIMEOUT": "0s"},
		"retry attempts": {"STOCK_RETRY_ATTEMPTS": "0"},
		"verify":         {"STOCK_VERIFY_INTERVAL": "-1m"},
		"log level":      {"STOCK_LOG_LEVEL": "loud"},
		"log format":     {"STOCK_LOG_FORMAT": "xml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(nil, envOf(env))
			assert.Error(t, err)
		})
	}
}
