// Package store persists assets, price history, informational external
// prices and failed scrape jobs. Postgres is the production backend; SQLite
// serves local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// AssetFilter pages through assets in ticker order. A Limit of 0 returns
// every asset. Unpriced restricts the listing to assets with no
// authoritative price yet.
type AssetFilter struct {
	Limit    int  `json:"limit,omitempty"`
	Offset   int  `json:"offset,omitempty"`
	Unpriced bool `json:"unpriced,omitempty"`
}

// PriceFilter selects authoritative history for one asset.
type PriceFilter struct {
	MinConfidence int `json:"min_confidence"`
	Limit         int `json:"limit,omitempty"`
}

// Store defines persistence for the oracle.
type Store interface {
	// Assets
	AllocateAssets(ctx context.Context, keywords []string, seed string) ([]model.Asset, error)
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error)
	CountAssets(ctx context.Context) (int, error)
	UpdateAssetPrice(ctx context.Context, assetID string, price float64, confidence int, at time.Time) error

	// Authoritative prices
	AppendPriceRecord(ctx context.Context, rec model.PriceRecord) (bool, error)
	ListPriceRecords(ctx context.Context, assetID string, filter PriceFilter) ([]model.PriceRecord, error)
	LatestPriceRecord(ctx context.Context, assetID string, minConfidence int) (*model.PriceRecord, error)

	// Informational external prices
	UpsertExternalPrices(ctx context.Context, recs []model.ExternalPriceRecord) error
	ListExternalPrices(ctx context.Context, assetID string) ([]model.ExternalPriceRecord, error)
	CountStaleExternal(ctx context.Context, olderThan time.Time) (int, error)

	// Failed jobs
	SaveFailedJob(ctx context.Context, f resilience.FailedJob) error
	ListFailedJobs(ctx context.Context, filter resilience.FailedJobFilter) ([]resilience.FailedJob, error)
	GetFailedJob(ctx context.Context, id string) (*resilience.FailedJob, error)
	RemoveFailedJob(ctx context.Context, id string) error
	CountFailedJobs(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func validKeywords(keywords []string) error {
	if len(keywords) == 0 {
		return eris.New("store: no keywords to allocate")
	}
	for i, k := range keywords {
		if k == "" {
			return eris.Errorf("store: keyword %d is empty", i)
		}
	}
	return nil
}
