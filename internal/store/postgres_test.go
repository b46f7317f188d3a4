package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_AllocateAssets_FirstBatchStartsAtSeed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT high_water, seq FROM ticker_state WHERE id = 1 FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"high_water", "seq"}).AddRow("", int64(0)))
	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id", "ticker", "keyword", "seq", "created_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO ticker_state`).
		WithArgs("AAB", int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	assets, err := s.AllocateAssets(context.Background(), []string{"iphone 12", "switch oled"}, "AAA")
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "AAA", assets[0].Ticker)
	assert.Equal(t, "AAB", assets[1].Ticker)
	assert.Equal(t, "switch oled", assets[1].Keyword)
	assert.NotEqual(t, assets[0].ID, assets[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateAssets_ContinuesFromHighWater(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT high_water, seq FROM ticker_state`).
		WillReturnRows(pgxmock.NewRows([]string{"high_water", "seq"}).AddRow("AA9", int64(35)))
	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id", "ticker", "keyword", "seq", "created_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO ticker_state`).
		WithArgs("ABA", int64(36)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	assets, err := s.AllocateAssets(context.Background(), []string{"gameboy"}, "AAA")
	require.NoError(t, err)
	assert.Equal(t, "ABA", assets[0].Ticker)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateAssets_CopyFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT high_water, seq FROM ticker_state`).
		WillReturnRows(pgxmock.NewRows([]string{"high_water", "seq"}).AddRow("AAC", int64(3)))
	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id", "ticker", "keyword", "seq", "created_at"}).
		WillReturnError(eris.New("unique violation"))
	mock.ExpectRollback()

	_, err := s.AllocateAssets(context.Background(), []string{"a"}, "AAA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert assets")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateAssets_RejectsEmptyKeyword(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.AllocateAssets(context.Background(), []string{"ok", ""}, "AAA")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAsset_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, ticker, keyword, .* FROM assets WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAsset(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAssets(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM assets`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountAssets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAssetPrice_OnlyMovesForward(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE assets SET last_known_price = \$1, last_confidence = \$2, last_priced_at = \$3\s+WHERE id = \$4 AND \(last_priced_at IS NULL OR last_priced_at <= \$3\)`).
		WithArgs(412.5, 80, at, "asset-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateAssetPrice(context.Background(), "asset-1", 412.5, 80, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendPriceRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.PriceRecord{
		ID:             "rec-1",
		AssetID:        "asset-1",
		Price:          99.5,
		Confidence:     100,
		Source:         model.PriceSourceInternalSale,
		IdempotencyKey: "asset-1|internal-sale|2026-03-01T12:00",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`INSERT INTO price_records .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WithArgs(rec.ID, rec.AssetID, rec.Price, rec.Confidence, "internal-sale", rec.IdempotencyKey, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO price_records`).
		WithArgs(rec.ID, rec.AssetID, rec.Price, rec.Confidence, "internal-sale", rec.IdempotencyKey, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.AppendPriceRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.AppendPriceRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate idempotency key must not insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestPriceRecord_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, asset_id, price, confidence, source, idempotency_key, created_at\s+FROM price_records WHERE asset_id = \$1 AND confidence >= \$2`).
		WithArgs("asset-1", 40, 1).
		WillReturnRows(pgxmock.NewRows([]string{"id", "asset_id", "price", "confidence", "source", "idempotency_key", "created_at"}))

	_, err := s.LatestPriceRecord(context.Background(), "asset-1", 40)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPriceRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM price_records WHERE asset_id = \$1 AND confidence >= \$2\s+ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("asset-1", 0, 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "asset_id", "price", "confidence", "source", "idempotency_key", "created_at"}).
			AddRow("r2", "asset-1", 120.0, 80, "external", "k2", created.Add(time.Hour)).
			AddRow("r1", "asset-1", 100.0, 100, "internal-sale", "k1", created))

	recs, err := s.ListPriceRecords(context.Background(), "asset-1", PriceFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.PriceSourceExternal, recs[0].Source)
	assert.Equal(t, 100, recs[1].Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertExternalPrices_NewestWins(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_external_prices"}, externalColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "external_prices" .* ON CONFLICT \("asset_id", "source"\) DO UPDATE SET .* WHERE external_prices.last_checked_at <= EXCLUDED.last_checked_at`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertExternalPrices(context.Background(), []model.ExternalPriceRecord{{
		AssetID: "asset-1", Source: "ebay", Price: 101, URL: "https://ebay.example/1", LastCheckedAt: checked,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertExternalPrices_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	require.NoError(t, s.UpsertExternalPrices(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFailedJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := resilience.NewFailedJob(model.ScrapeJob{ID: "job-1", AssetID: "asset-1", Keyword: "kw", AttemptCount: 3, MaxAttempts: 3}, eris.New("all sources empty"), failedAt)

	mock.ExpectExec(`INSERT INTO failed_jobs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", "asset-1", pgxmock.AnyArg(), f.Error, f.ErrorType, failedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveFailedJob(context.Background(), f))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFailedJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT job, error, error_type, failed_at FROM failed_jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetFailedJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveFailedJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM failed_jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.RemoveFailedJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS assets`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
