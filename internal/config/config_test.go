package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "oracle.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase())
	assert.False(t, cfg.Queue.RemoveOnFail)
	assert.Empty(t, cfg.Queue.ScheduleCron)
	assert.Equal(t, "sources.yaml", cfg.Source.ConfigPath)
	assert.Equal(t, 30, cfg.Source.TimeoutSecs)
	assert.True(t, cfg.Source.Parallel)
	assert.Equal(t, 3, cfg.Source.MaxConcurrent)
	assert.InDelta(t, 1.0, cfg.Browser.RatePerSec, 0.001)
	assert.Equal(t, "https://r.jina.ai", cfg.Browser.JinaBaseURL)
	assert.Equal(t, "https://open.er-api.com/v6/latest/USD", cfg.Currency.RatesURL)
	assert.Equal(t, 60, cfg.Currency.CacheTTLMins)
	assert.Equal(t, "AAA", cfg.Ticker.Seed)
	assert.Equal(t, 40, cfg.Ingest.ConfidenceThreshold)
	assert.Equal(t, 100, cfg.Ingest.SaleConfidence)
	assert.Equal(t, 25, cfg.Ingest.ManualConfidence)
	assert.Equal(t, 60, cfg.Ingest.BucketMins)
	assert.Equal(t, 48, cfg.Monitoring.StaleAfterHours)
	assert.Equal(t, 10, cfg.Monitoring.FailedJobsThreshold)

	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("worker"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/oracle
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
queue:
  backend: redis
  redis_url: redis://localhost:6379/0
  schedule_cron: "0 */6 * * *"
ingest:
  confidence_threshold: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "0 */6 * * *", cfg.Queue.ScheduleCron)
	assert.Equal(t, 50, cfg.Ingest.ConfidenceThreshold)
	assert.Equal(t, 25, cfg.Ingest.ManualConfidence, "unset keys keep defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ORACLE_STORE_DRIVER", "postgres")
	t.Setenv("ORACLE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ORACLE_SERVER_PORT", "3000")
	t.Setenv("ORACLE_QUEUE_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.Workers)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ORACLE_TICKER_SEED=ZZZ\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("ORACLE_TICKER_SEED") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ZZZ", cfg.Ticker.Seed)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "oracle.db"
	cfg.Server.Port = 8080
	cfg.Queue.Backend = "memory"
	cfg.Queue.Workers = 4
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseMs = 1000
	cfg.Source.ConfigPath = "sources.yaml"
	cfg.Source.MaxConcurrent = 3
	cfg.Source.SettleMinMs = 500
	cfg.Source.SettleMaxMs = 2000
	cfg.Ticker.Seed = "AAA"
	cfg.Ingest.ConfidenceThreshold = 40
	cfg.Ingest.SaleConfidence = 100
	cfg.Ingest.ManualConfidence = 25
	return cfg
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	assert.NoError(t, cfg.Validate("worker"), "workers do not bind a port")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	assert.ErrorContains(t, cfg.Validate("read"), "store.driver")

	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	assert.ErrorContains(t, cfg.Validate("migrate"), "store.database_url is required")
}

func TestValidateQueue(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.Backend = "redis"
	assert.ErrorContains(t, cfg.Validate("worker"), "queue.redis_url is required")

	cfg.Queue.RedisURL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate("worker"))
	assert.NoError(t, cfg.Validate("schedule"))

	cfg.Queue.Backend = "memory"
	assert.ErrorContains(t, cfg.Validate("schedule"), "must be redis")

	cfg.Queue.Backend = "kafka"
	assert.ErrorContains(t, cfg.Validate("serve"), "queue.backend must be memory or redis")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Queue.Workers = 0
	assert.ErrorContains(t, cfg.Validate("worker"), "queue.workers must be between 1 and 64")

	cfg.Queue.Workers = 65
	assert.ErrorContains(t, cfg.Validate("serve"), "queue.workers must be between 1 and 64")

	cfg.Queue.Workers = 64
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Queue.MaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate("serve"), "queue.max_attempts")
}

func TestValidateSettleRange(t *testing.T) {
	cfg := validDefaults()
	cfg.Source.SettleMaxMs = 100
	assert.ErrorContains(t, cfg.Validate("worker"), "settle")
}

func TestValidateConfidenceBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.ConfidenceThreshold = 101
	assert.ErrorContains(t, cfg.Validate("read"), "ingest.confidence_threshold must be between 0 and 100")

	cfg.Ingest.ConfidenceThreshold = 40
	cfg.Ingest.ManualConfidence = -1
	assert.ErrorContains(t, cfg.Validate("read"), "ingest.manual_confidence")
}

func TestValidateAllocateNeedsSeed(t *testing.T) {
	cfg := validDefaults()
	cfg.Ticker.Seed = ""
	assert.ErrorContains(t, cfg.Validate("allocate"), "ticker.seed")
}
