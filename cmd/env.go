package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/browser"
	"github.com/sells-group/price-oracle/internal/currency"
	"github.com/sells-group/price-oracle/internal/ingest"
	"github.com/sells-group/price-oracle/internal/oracle"
	"github.com/sells-group/price-oracle/internal/queue"
	"github.com/sells-group/price-oracle/internal/source"
	"github.com/sells-group/price-oracle/internal/store"
	"github.com/sells-group/price-oracle/pkg/jina"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "oracle.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, opens the store and migrates it.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initBackend(ctx context.Context) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case "redis":
		return queue.NewRedisBackend(ctx, cfg.Queue.RedisURL)
	case "memory", "":
		return queue.NewMemoryBackend(), nil
	default:
		return nil, eris.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

func gateOptions() ingest.Options {
	return ingest.Options{
		Threshold:        cfg.Ingest.ConfidenceThreshold,
		SaleConfidence:   cfg.Ingest.SaleConfidence,
		ManualConfidence: cfg.Ingest.ManualConfidence,
		Bucket:           time.Duration(cfg.Ingest.BucketMins) * time.Minute,
	}
}

func schedulerOptions() queue.Options {
	return queue.Options{
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase(),
		RemoveOnFail: cfg.Queue.RemoveOnFail,
	}
}

func initNormalizer() *currency.Normalizer {
	src := currency.NewHTTPRateSource(cfg.Currency.RatesURL, time.Duration(cfg.Currency.TimeoutSecs)*time.Second)
	return currency.NewNormalizer(src, time.Duration(cfg.Currency.CacheTTLMins)*time.Minute)
}

// initBrowser builds the direct fetcher with the reader fallback behind it.
func initBrowser() browser.Browser {
	timeout := time.Duration(cfg.Source.TimeoutSecs) * time.Second
	direct := browser.NewHTTPBrowser(browser.HTTPOptions{
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    timeout,
		RatePerSec: cfg.Browser.RatePerSec,
		Burst:      cfg.Browser.Burst,
	})
	reader := browser.NewReaderBrowser(
		jina.NewClient(cfg.Browser.JinaKey, jina.WithBaseURL(cfg.Browser.JinaBaseURL)),
		timeout,
	)
	return browser.NewChain(direct, reader)
}

func initAdapters() ([]source.Adapter, error) {
	sites, err := source.LoadSites(cfg.Source.ConfigPath)
	if err != nil {
		return nil, err
	}
	reg, err := source.Build(sites, initBrowser(), source.Options{
		Timeout: time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		Settle: source.Settle{
			Min: time.Duration(cfg.Source.SettleMinMs) * time.Millisecond,
			Max: time.Duration(cfg.Source.SettleMaxMs) * time.Millisecond,
		},
	})
	if err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		return nil, eris.Errorf("no enabled sources in %s", cfg.Source.ConfigPath)
	}
	zap.L().Info("sources loaded", zap.Strings("sources", reg.Names()))
	return reg.All(), nil
}

// oracleEnv holds everything the serve and worker commands run.
type oracleEnv struct {
	Store      store.Store
	Gate       *ingest.Gate
	Normalizer *currency.Normalizer
	Scheduler  *queue.Scheduler
}

// Close drains the scheduler and releases the store.
func (e *oracleEnv) Close() {
	if e.Scheduler != nil {
		if err := e.Scheduler.Close(); err != nil {
			zap.L().Warn("scheduler close", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initOracle wires store, gate, adapters, processor and scheduler. The
// scheduler is not started. Callers should defer env.Close().
func initOracle(ctx context.Context, mode string) (*oracleEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	env := &oracleEnv{Store: st}

	adapters, err := initAdapters()
	if err != nil {
		env.Close()
		return nil, err
	}

	backend, err := initBackend(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Gate = ingest.NewGate(st, gateOptions())
	env.Normalizer = initNormalizer()
	proc := oracle.NewProcessor(adapters, env.Normalizer, env.Gate, oracle.Options{
		Parallel:      cfg.Source.Parallel,
		MaxConcurrent: cfg.Source.MaxConcurrent,
	})
	env.Scheduler = queue.New(backend, proc, st, schedulerOptions())
	return env, nil
}

// initProducer opens a scheduler that only enqueues; it never starts
// workers, so the backend must be shared with a worker process.
func initProducer(ctx context.Context, mode string) (*oracleEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	backend, err := initBackend(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &oracleEnv{Store: st, Scheduler: queue.New(backend, nil, st, schedulerOptions())}, nil
}
