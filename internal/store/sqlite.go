package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/internal/ticker"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Ticker allocation reads then writes the high-water mark; one
	// connection keeps that sequence serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Times are stored as fixed-width UTC text so lexical order is time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS assets (
	id               TEXT PRIMARY KEY,
	ticker           TEXT NOT NULL UNIQUE,
	keyword          TEXT NOT NULL,
	seq              INTEGER NOT NULL UNIQUE,
	last_known_price REAL,
	last_confidence  INTEGER,
	last_priced_at   TEXT,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ticker_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	high_water TEXT NOT NULL,
	seq        INTEGER NOT NULL
);

INSERT OR IGNORE INTO ticker_state (id, high_water, seq) VALUES (1, '', 0);

CREATE TABLE IF NOT EXISTS price_records (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL REFERENCES assets(id),
	price           REAL NOT NULL CHECK (price > 0),
	confidence      INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
	source          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_records_asset_created ON price_records(asset_id, created_at);

CREATE TABLE IF NOT EXISTS external_prices (
	asset_id        TEXT NOT NULL REFERENCES assets(id),
	source          TEXT NOT NULL,
	price           REAL NOT NULL,
	url             TEXT NOT NULL DEFAULT '',
	condition       TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	image_url       TEXT NOT NULL DEFAULT '',
	last_checked_at TEXT NOT NULL,
	PRIMARY KEY (asset_id, source)
);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id         TEXT PRIMARY KEY,
	asset_id   TEXT NOT NULL,
	job        TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'permanent',
	failed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_jobs_asset ON failed_jobs(asset_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Assets

func (s *SQLiteStore) AllocateAssets(ctx context.Context, keywords []string, seed string) ([]model.Asset, error) {
	if err := validKeywords(keywords); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: allocate begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var hwm string
	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT high_water, seq FROM ticker_state WHERE id = 1`).Scan(&hwm, &seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: read ticker high-water mark")
	}

	tickers, err := ticker.Mint(hwm, seed, len(keywords))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: mint tickers")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO assets (id, ticker, keyword, seq, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare asset insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	assets := make([]model.Asset, len(keywords))
	for i, kw := range keywords {
		assets[i] = model.Asset{ID: uuid.New().String(), Ticker: tickers[i], Keyword: kw, CreatedAt: now}
		if _, err := stmt.ExecContext(ctx, assets[i].ID, assets[i].Ticker, kw, seq+int64(i)+1, fmtTime(now)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert asset %s", assets[i].Ticker)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ticker_state (id, high_water, seq) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET high_water = excluded.high_water, seq = excluded.seq`,
		tickers[len(tickers)-1], seq+int64(len(keywords)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: write ticker high-water mark")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: allocate commit")
	}
	return assets, nil
}

func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanSQLiteAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "asset %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get asset %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	if filter.Unpriced {
		query += ` WHERE last_known_price IS NULL`
	}
	query += ` ORDER BY seq LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assets")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Asset
	for rows.Next() {
		a, err := scanSQLiteAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan asset")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assets iterate")
}

func (s *SQLiteStore) CountAssets(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count assets")
}

func (s *SQLiteStore) UpdateAssetPrice(ctx context.Context, assetID string, price float64, confidence int, at time.Time) error {
	ts := fmtTime(at)
	_, err := s.db.ExecContext(ctx,
		`UPDATE assets SET last_known_price = ?, last_confidence = ?, last_priced_at = ?
		 WHERE id = ? AND (last_priced_at IS NULL OR last_priced_at <= ?)`,
		price, confidence, ts, assetID, ts,
	)
	return eris.Wrapf(err, "sqlite: update asset price %s", assetID)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteAsset(row scannable) (*model.Asset, error) {
	var a model.Asset
	var price sql.NullFloat64
	var conf sql.NullInt64
	var pricedAt sql.NullString
	var createdAt string

	if err := row.Scan(&a.ID, &a.Ticker, &a.Keyword, &price, &conf, &pricedAt, &createdAt); err != nil {
		return nil, err
	}
	if price.Valid {
		a.LastKnownPrice = &price.Float64
	}
	if conf.Valid {
		c := int(conf.Int64)
		a.LastConfidence = &c
	}
	if pricedAt.Valid {
		t, err := parseTime(pricedAt.String)
		if err != nil {
			return nil, err
		}
		a.LastPricedAt = &t
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = t
	return &a, nil
}

// Authoritative prices

func (s *SQLiteStore) AppendPriceRecord(ctx context.Context, rec model.PriceRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO price_records (id, asset_id, price, confidence, source, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.AssetID, rec.Price, rec.Confidence, string(rec.Source), rec.IdempotencyKey, fmtTime(rec.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: append price record for %s", rec.AssetID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListPriceRecords(ctx context.Context, assetID string, filter PriceFilter) ([]model.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, price, confidence, source, idempotency_key, created_at
		 FROM price_records WHERE asset_id = ? AND confidence >= ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		assetID, filter.MinConfidence, defaultLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list price records for %s", assetID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PriceRecord
	for rows.Next() {
		var r model.PriceRecord
		var src, createdAt string
		if err := rows.Scan(&r.ID, &r.AssetID, &r.Price, &r.Confidence, &src, &r.IdempotencyKey, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price record")
		}
		r.Source = model.PriceSource(src)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list price records iterate")
}

func (s *SQLiteStore) LatestPriceRecord(ctx context.Context, assetID string, minConfidence int) (*model.PriceRecord, error) {
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

func (s *SQLiteStore) UpsertExternalPrices(ctx context.Context, recs []model.ExternalPriceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert external begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO external_prices (asset_id, source, price, url, condition, title, image_url, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (asset_id, source) DO UPDATE SET
			price = excluded.price, url = excluded.url, condition = excluded.condition,
			title = excluded.title, image_url = excluded.image_url, last_checked_at = excluded.last_checked_at
		 WHERE external_prices.last_checked_at <= excluded.last_checked_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare external upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.AssetID, r.Source, r.Price, r.URL, r.Condition, r.Title, r.ImageURL, fmtTime(r.LastCheckedAt)); err != nil {
			return eris.Wrapf(err, "sqlite: upsert external price %s/%s", r.AssetID, r.Source)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: upsert external commit")
}

func (s *SQLiteStore) ListExternalPrices(ctx context.Context, assetID string) ([]model.ExternalPriceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, source, price, url, condition, title, image_url, last_checked_at
		 FROM external_prices WHERE asset_id = ? ORDER BY source`,
		assetID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list external prices for %s", assetID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExternalPriceRecord
	for rows.Next() {
		var r model.ExternalPriceRecord
		var checked string
		if err := rows.Scan(&r.AssetID, &r.Source, &r.Price, &r.URL, &r.Condition, &r.Title, &r.ImageURL, &checked); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan external price")
		}
		if r.LastCheckedAt, err = parseTime(checked); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list external prices iterate")
}

func (s *SQLiteStore) CountStaleExternal(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM external_prices WHERE last_checked_at < ?`, fmtTime(olderThan)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stale external prices")
}

// Failed jobs

func (s *SQLiteStore) SaveFailedJob(ctx context.Context, f resilience.FailedJob) error {
	jobJSON, err := json.Marshal(f.Job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failed job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failed_jobs (id, asset_id, job, error, error_type, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET job = excluded.job, error = excluded.error,
			error_type = excluded.error_type, failed_at = excluded.failed_at`,
		f.Job.ID, f.Job.AssetID, string(jobJSON), f.Error, f.ErrorType, fmtTime(f.FailedAt),
	)
	return eris.Wrapf(err, "sqlite: save failed job %s", f.Job.ID)
}

func (s *SQLiteStore) ListFailedJobs(ctx context.Context, filter resilience.FailedJobFilter) ([]resilience.FailedJob, error) {
	query := `SELECT job, error, error_type, failed_at FROM failed_jobs`
	args := []any{}
	if filter.AssetID != "" {
		query += ` WHERE asset_id = ?`
		args = append(args, filter.AssetID)
	}
	query += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.FailedJob
	for rows.Next() {
		f, err := scanSQLiteFailedJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed job")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failed jobs iterate")
}

func (s *SQLiteStore) GetFailedJob(ctx context.Context, id string) (*resilience.FailedJob, error) {
	f, err := scanSQLiteFailedJob(s.db.QueryRowContext(ctx,
		`SELECT job, error, error_type, failed_at FROM failed_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "failed job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get failed job %s", id)
	}
	return f, nil
}

func (s *SQLiteStore) RemoveFailedJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove failed job %s", id)
	}
	return checkRowsAffected(res, "failed job", id)
}

func (s *SQLiteStore) CountFailedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_jobs`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count failed jobs")
}

func scanSQLiteFailedJob(row scannable) (*resilience.FailedJob, error) {
	var f resilience.FailedJob
	var jobJSON, failedAt string
	if err := row.Scan(&jobJSON, &f.Error, &f.ErrorType, &failedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jobJSON), &f.Job); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal failed job")
	}
	t, err := parseTime(failedAt)
	if err != nil {
		return nil, err
	}
	f.FailedAt = t
	return &f, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
