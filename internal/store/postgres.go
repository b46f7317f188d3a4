package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/db"
	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/internal/ticker"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool exposes the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assets (
	id               TEXT PRIMARY KEY,
	ticker           TEXT NOT NULL UNIQUE,
	keyword          TEXT NOT NULL,
	seq              BIGINT NOT NULL UNIQUE,
	last_known_price DOUBLE PRECISION,
	last_confidence  INTEGER,
	last_priced_at   TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ticker_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	high_water TEXT NOT NULL,
	seq        BIGINT NOT NULL
);

INSERT INTO ticker_state (id, high_water, seq) VALUES (1, '', 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS price_records (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL REFERENCES assets(id),
	price           DOUBLE PRECISION NOT NULL CHECK (price > 0),
	confidence      INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
	source          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_price_records_asset_created ON price_records(asset_id, created_at DESC);

CREATE TABLE IF NOT EXISTS external_prices (
	asset_id        TEXT NOT NULL REFERENCES assets(id),
	source          TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	url             TEXT NOT NULL DEFAULT '',
	condition       TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	image_url       TEXT NOT NULL DEFAULT '',
	last_checked_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset_id, source)
);

CREATE INDEX IF NOT EXISTS idx_external_prices_checked ON external_prices(last_checked_at);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id         TEXT PRIMARY KEY,
	asset_id   TEXT NOT NULL,
	job        JSONB NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'permanent',
	failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failed_jobs_asset ON failed_jobs(asset_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Assets

const assetColumns = `id, ticker, keyword, last_known_price, last_confidence, last_priced_at, created_at`

func (s *PostgresStore) AllocateAssets(ctx context.Context, keywords []string, seed string) ([]model.Asset, error) {
	if err := validKeywords(keywords); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: allocate begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var hwm string
	var seq int64
	err = tx.QueryRow(ctx, `SELECT high_water, seq FROM ticker_state WHERE id = 1 FOR UPDATE`).Scan(&hwm, &seq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: read ticker high-water mark")
	}

	tickers, err := ticker.Mint(hwm, seed, len(keywords))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: mint tickers")
	}

	now := time.Now().UTC()
	assets := make([]model.Asset, len(keywords))
	rows := make([][]any, len(keywords))
	for i, kw := range keywords {
		assets[i] = model.Asset{ID: uuid.New().String(), Ticker: tickers[i], Keyword: kw, CreatedAt: now}
		rows[i] = []any{assets[i].ID, assets[i].Ticker, kw, seq + int64(i) + 1, now}
	}

	if _, err := db.CopyFrom(ctx, tx, "assets", []string{"id", "ticker", "keyword", "seq", "created_at"}, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: insert assets")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ticker_state (id, high_water, seq) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET high_water = EXCLUDED.high_water, seq = EXCLUDED.seq`,
		tickers[len(tickers)-1], seq+int64(len(keywords)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: write ticker high-water mark")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: allocate commit")
	}
	return assets, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "asset %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get asset %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Unpriced {
		query += ` AND last_known_price IS NULL`
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assets")
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan asset")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assets iterate")
}

func (s *PostgresStore) CountAssets(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count assets")
}

func (s *PostgresStore) UpdateAssetPrice(ctx context.Context, assetID string, price float64, confidence int, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE assets SET last_known_price = $1, last_confidence = $2, last_priced_at = $3
		 WHERE id = $4 AND (last_priced_at IS NULL OR last_priced_at <= $3)`,
		price, confidence, at, assetID,
	)
	return eris.Wrapf(err, "postgres: update asset price %s", assetID)
}

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	if err := row.Scan(&a.ID, &a.Ticker, &a.Keyword, &a.LastKnownPrice, &a.LastConfidence, &a.LastPricedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Authoritative prices

func (s *PostgresStore) AppendPriceRecord(ctx context.Context, rec model.PriceRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO price_records (id, asset_id, price, confidence, source, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.AssetID, rec.Price, rec.Confidence, string(rec.Source), rec.IdempotencyKey, rec.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: append price record for %s", rec.AssetID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListPriceRecords(ctx context.Context, assetID string, filter PriceFilter) ([]model.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_id, price, confidence, source, idempotency_key, created_at
		 FROM price_records WHERE asset_id = $1 AND confidence >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		assetID, filter.MinConfidence, defaultLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list price records for %s", assetID)
	}
	defer rows.Close()

	var out []model.PriceRecord
	for rows.Next() {
		var r model.PriceRecord
		var src string
		if err := rows.Scan(&r.ID, &r.AssetID, &r.Price, &r.Confidence, &src, &r.IdempotencyKey, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price record")
		}
		r.Source = model.PriceSource(src)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list price records iterate")
}

func (s *PostgresStore) LatestPriceRecord(ctx context.Context, assetID string, minConfidence int) (*model.PriceRecord, error) {
	recs, err := s.ListPriceRecords(ctx, assetID, PriceFilter{MinConfidence: minConfidence, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "trusted price for asset %s", assetID)
	}
	return &recs[0], nil
}

// Informational external prices

var externalColumns = []string{"asset_id", "source", "price", "url", "condition", "title", "image_url", "last_checked_at"}

// UpsertExternalPrices keeps the newest record per (asset, source). Older
// observations never overwrite newer ones.
func (s *PostgresStore) UpsertExternalPrices(ctx context.Context, recs []model.ExternalPriceRecord) error {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = []any{r.AssetID, r.Source, r.Price, r.URL, r.Condition, r.Title, r.ImageURL, r.LastCheckedAt}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "external_prices",
		Columns:      externalColumns,
		ConflictKeys: []string{"asset_id", "source"},
		Where:        "external_prices.last_checked_at <= EXCLUDED.last_checked_at",
	}, rows)
	return eris.Wrap(err, "postgres: upsert external prices")
}

func (s *PostgresStore) ListExternalPrices(ctx context.Context, assetID string) ([]model.ExternalPriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, source, price, url, condition, title, image_url, last_checked_at
		 FROM external_prices WHERE asset_id = $1 ORDER BY source`,
		assetID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list external prices for %s", assetID)
	}
	defer rows.Close()

	var out []model.ExternalPriceRecord
	for rows.Next() {
		var r model.ExternalPriceRecord
		if err := rows.Scan(&r.AssetID, &r.Source, &r.Price, &r.URL, &r.Condition, &r.Title, &r.ImageURL, &r.LastCheckedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan external price")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list external prices iterate")
}

func (s *PostgresStore) CountStaleExternal(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM external_prices WHERE last_checked_at < $1`, olderThan).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stale external prices")
}

// Failed jobs

func (s *PostgresStore) SaveFailedJob(ctx context.Context, f resilience.FailedJob) error {
	jobJSON, err := json.Marshal(f.Job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failed job")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO failed_jobs (id, asset_id, job, error, error_type, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET job = $3, error = $4, error_type = $5, failed_at = $6`,
		f.Job.ID, f.Job.AssetID, jobJSON, f.Error, f.ErrorType, f.FailedAt,
	)
	return eris.Wrapf(err, "postgres: save failed job %s", f.Job.ID)
}

func (s *PostgresStore) ListFailedJobs(ctx context.Context, filter resilience.FailedJobFilter) ([]resilience.FailedJob, error) {
	query := `SELECT job, error, error_type, failed_at FROM failed_jobs`
	args := []any{}
	argIdx := 1
	if filter.AssetID != "" {
		query += fmt.Sprintf(` WHERE asset_id = $%d`, argIdx)
		args = append(args, filter.AssetID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY failed_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed jobs")
	}
	defer rows.Close()

	var out []resilience.FailedJob
	for rows.Next() {
		f, err := scanFailedJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failed jobs iterate")
}

func (s *PostgresStore) GetFailedJob(ctx context.Context, id string) (*resilience.FailedJob, error) {
	f, err := scanFailedJob(s.pool.QueryRow(ctx,
		`SELECT job, error, error_type, failed_at FROM failed_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "failed job %s", id)
	}
	return f, err
}

func (s *PostgresStore) RemoveFailedJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove failed job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "failed job %s", id)
	}
	return nil
}

func (s *PostgresStore) CountFailedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM failed_jobs`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count failed jobs")
}

func scanFailedJob(row pgx.Row) (*resilience.FailedJob, error) {
	var f resilience.FailedJob
	var jobJSON []byte
	if err := row.Scan(&jobJSON, &f.Error, &f.ErrorType, &f.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan failed job")
	}
	if err := json.Unmarshal(jobJSON, &f.Job); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal failed job")
	}
	return &f, nil
}
