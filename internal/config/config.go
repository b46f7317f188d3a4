package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Currency   CurrencyConfig   `yaml:"currency" mapstructure:"currency"`
	Ticker     TickerConfig     `yaml:"ticker" mapstructure:"ticker"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// QueueConfig configures the job scheduler.
type QueueConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"`
	RedisURL      string `yaml:"redis_url" mapstructure:"redis_url"`
	Workers       int    `yaml:"workers" mapstructure:"workers"`
	MaxAttempts   int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMs int    `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	RemoveOnFail  bool   `yaml:"remove_on_fail" mapstructure:"remove_on_fail"`
	ScheduleCron  string `yaml:"schedule_cron" mapstructure:"schedule_cron"`
}

// BackoffBase returns the retry base delay.
func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// SourceConfig configures the marketplace adapters.
type SourceConfig struct {
	ConfigPath    string `yaml:"config_path" mapstructure:"config_path"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Parallel      bool   `yaml:"parallel" mapstructure:"parallel"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	SettleMinMs   int    `yaml:"settle_min_ms" mapstructure:"settle_min_ms"`
	SettleMaxMs   int    `yaml:"settle_max_ms" mapstructure:"settle_max_ms"`
}

// BrowserConfig configures page fetching.
type BrowserConfig struct {
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	JinaKey     string  `yaml:"jina_key" mapstructure:"jina_key"`
	JinaBaseURL string  `yaml:"jina_base_url" mapstructure:"jina_base_url"`
}

// CurrencyConfig configures the USD normalizer.
type CurrencyConfig struct {
	RatesURL     string `yaml:"rates_url" mapstructure:"rates_url"`
	CacheTTLMins int    `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// TickerConfig configures identifier allocation.
type TickerConfig struct {
	Seed string `yaml:"seed" mapstructure:"seed"`
}

// IngestConfig holds the gate's policy constants.
type IngestConfig struct {
	ConfidenceThreshold int `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	SaleConfidence      int `yaml:"sale_confidence" mapstructure:"sale_confidence"`
	ManualConfidence    int `yaml:"manual_confidence" mapstructure:"manual_confidence"`
	BucketMins          int `yaml:"bucket_mins" mapstructure:"bucket_mins"`
}

// MonitoringConfig configures operator alerts.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	StaleAfterHours     int    `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	FailedJobsThreshold int    `yaml:"failed_jobs_threshold" mapstructure:"failed_jobs_threshold"`
	IntervalMins        int    `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// Load reads configuration from .env, config.yaml and ORACLE_* environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "oracle.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.remove_on_fail", false)
	v.SetDefault("queue.schedule_cron", "")
	v.SetDefault("source.config_path", "sources.yaml")
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.parallel", true)
	v.SetDefault("source.max_concurrent", 3)
	v.SetDefault("source.user_agent", "")
	v.SetDefault("source.settle_min_ms", 500)
	v.SetDefault("source.settle_max_ms", 2000)
	v.SetDefault("browser.rate_per_sec", 1.0)
	v.SetDefault("browser.burst", 2)
	v.SetDefault("browser.jina_key", "")
	v.SetDefault("browser.jina_base_url", "https://r.jina.ai")
	v.SetDefault("currency.rates_url", "https://open.er-api.com/v6/latest/USD")
	v.SetDefault("currency.cache_ttl_mins", 60)
	v.SetDefault("currency.timeout_secs", 10)
	v.SetDefault("ticker.seed", "AAA")
	v.SetDefault("ingest.confidence_threshold", 40)
	v.SetDefault("ingest.sale_confidence", 100)
	v.SetDefault("ingest.manual_confidence", 25)
	v.SetDefault("ingest.bucket_mins", 60)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.failed_jobs_threshold", 10)
	v.SetDefault("monitoring.interval_mins", 15)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger configures the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks the settings the given command mode depends on. Modes:
// "serve", "worker", "schedule", "allocate", "read", "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch mode {
	case "serve", "worker", "schedule", "allocate", "read", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be sqlite or postgres")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		add("server.port must be > 0")
	}

	if mode == "serve" || mode == "worker" || mode == "schedule" {
		switch c.Queue.Backend {
		case "memory":
			if mode == "schedule" {
				add("queue.backend must be redis for a standalone schedule run")
			}
		case "redis":
			if c.Queue.RedisURL == "" {
				add("queue.redis_url is required when queue.backend is redis")
			}
		default:
			add("queue.backend must be memory or redis")
		}
		if c.Queue.MaxAttempts < 1 {
			add("queue.max_attempts must be >= 1")
		}
		if c.Queue.BackoffBaseMs < 0 {
			add("queue.backoff_base_ms must be >= 0")
		}
	}

	if mode == "serve" || mode == "worker" {
		if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
			add("queue.workers must be between 1 and 64")
		}
		if c.Source.ConfigPath == "" {
			add("source.config_path is required")
		}
		if c.Source.MaxConcurrent < 1 {
			add("source.max_concurrent must be >= 1")
		}
		if c.Source.SettleMinMs < 0 || c.Source.SettleMaxMs < c.Source.SettleMinMs {
			add("source.settle_min_ms must be >= 0 and <= source.settle_max_ms")
		}
	}

	if mode == "allocate" && c.Ticker.Seed == "" {
		add("ticker.seed is required")
	}

	for name, v := range map[string]int{
		"ingest.confidence_threshold": c.Ingest.ConfidenceThreshold,
		"ingest.sale_confidence":      c.Ingest.SaleConfidence,
		"ingest.manual_confidence":    c.Ingest.ManualConfidence,
	} {
		if v < 0 || v > 100 {
			add(name + " must be between 0 and 100")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
