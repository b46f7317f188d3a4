// Package ingest is the single write path for prices. It decides which
// observations become authoritative PriceRecords and keeps the latest raw
// scrape per source as informational ExternalPriceRecords.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/confidence"
	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/store"
)

// ErrNoObservations is returned when a batch carries no usable price.
var ErrNoObservations = eris.New("ingest: no observations")

// Gate decisions recorded in metrics.
const (
	DecisionAuthoritative  = "authoritative"
	DecisionBelowThreshold = "below-threshold"
	DecisionDuplicate      = "duplicate"
	DecisionExternal       = "external"
	DecisionSkipped        = "skipped"
)

// Options holds the gate's policy constants.
type Options struct {
	Threshold        int
	SaleConfidence   int
	ManualConfidence int
	// Bucket is the observedAt granularity of the idempotency key for
	// scraped batches.
	Bucket time.Duration
}

// DefaultOptions returns the reference policy.
func DefaultOptions() Options {
	return Options{Threshold: 40, SaleConfidence: 100, ManualConfidence: 25, Bucket: time.Hour}
}

// WriteResult describes what one Ingest call persisted.
type WriteResult struct {
	AssetID       string  `json:"asset_id"`
	Origin        string  `json:"origin"`
	Confidence    int     `json:"confidence"`
	Price         float64 `json:"price"`
	Authoritative bool    `json:"authoritative"`
	Duplicate     bool    `json:"duplicate,omitempty"`
	External      int     `json:"external"`
	Fallbacks     int     `json:"fallbacks,omitempty"`
	Skipped       bool    `json:"skipped,omitempty"`
}

// Gate routes observations to the price stores.
type Gate struct {
	store store.Store
	opts  Options
	log   *zap.Logger
}

// NewGate creates a Gate. Zero-valued options fall back to DefaultOptions.
func NewGate(st store.Store, opts Options) *Gate {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.SaleConfidence <= 0 {
		opts.SaleConfidence = def.SaleConfidence
	}
	if opts.ManualConfidence <= 0 {
		opts.ManualConfidence = def.ManualConfidence
	}
	if opts.Bucket <= 0 {
		opts.Bucket = def.Bucket
	}
	return &Gate{store: st, opts: opts, log: zap.L().With(zap.String("component", "ingest"))}
}

// Threshold returns the authoritative confidence threshold.
func (g *Gate) Threshold() int { return g.opts.Threshold }

// Ingest writes a batch of observations for one asset.
//
// Internal sales and manual entries always produce a PriceRecord at their
// fixed confidence. Scraped batches are scored and only reach the
// authoritative table at or above the threshold, but every scraped source is
// upserted into the informational table regardless. An asset that no longer
// exists is a no-op.
func (g *Gate) Ingest(ctx context.Context, assetID string, obs []model.Observation, origin model.Origin) (WriteResult, error) {
	res := WriteResult{AssetID: assetID, Origin: string(origin)}
	if _, err := model.ParseOrigin(string(origin)); err != nil {
		return res, eris.Wrap(err, "ingest")
	}

	obs = usable(obs)
	if len(obs) == 0 {
		return res, eris.Wrapf(ErrNoObservations, "asset %s", assetID)
	}

	if _, err := g.store.GetAsset(ctx, assetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.log.Info("ingest: asset gone, dropping observations", zap.String("asset_id", assetID))
			metrics.RecordGateDecision(string(origin), DecisionSkipped)
			res.Skipped = true
			return res, nil
		}
		return res, eris.Wrapf(err, "ingest: load asset %s", assetID)
	}

	for _, o := range obs {
		if o.RateFallback {
			res.Fallbacks++
			g.log.Warn("ingest: observation used 1:1 currency fallback",
				zap.String("asset_id", assetID),
				zap.String("source", o.Source),
				zap.String("currency", o.Currency),
			)
		}
	}

	switch origin {
	case model.OriginInternalSale:
		res.Confidence = g.opts.SaleConfidence
	case model.OriginManual:
		res.Confidence = g.opts.ManualConfidence
	case model.OriginScraped:
		res.Confidence = confidence.Score(obs)
		metrics.ObserveConfidence(res.Confidence)

		n, err := g.writeExternal(ctx, assetID, obs)
		if err != nil {
			return res, err
		}
		res.External = n
		metrics.RecordGateDecision(string(origin), DecisionExternal)

		if res.Confidence < g.opts.Threshold {
			g.log.Info("ingest: confidence below threshold, informational only",
				zap.String("asset_id", assetID),
				zap.Int("confidence", res.Confidence),
				zap.Int("threshold", g.opts.Threshold),
			)
			metrics.RecordGateDecision(string(origin), DecisionBelowThreshold)
			return res, nil
		}
	}

	res.Price = Median(model.Prices(obs))
	observedAt := latest(obs)
	rec := model.PriceRecord{
		ID:             uuid.New().String(),
		AssetID:        assetID,
		Price:          res.Price,
		Confidence:     res.Confidence,
		Source:         model.SourceFor(origin),
		IdempotencyKey: g.idempotencyKey(assetID, origin, obs, observedAt),
		CreatedAt:      observedAt,
	}

	inserted, err := g.store.AppendPriceRecord(ctx, rec)
	if err != nil {
		return res, eris.Wrapf(err, "ingest: append price for %s", assetID)
	}
	if !inserted {
		g.log.Debug("ingest: duplicate delivery ignored",
			zap.String("asset_id", assetID),
			zap.String("key", rec.IdempotencyKey),
		)
		metrics.RecordGateDecision(string(origin), DecisionDuplicate)
		res.Duplicate = true
		return res, nil
	}

	if err := g.store.UpdateAssetPrice(ctx, assetID, rec.Price, rec.Confidence, rec.CreatedAt); err != nil {
		return res, eris.Wrapf(err, "ingest: update asset %s", assetID)
	}
	metrics.RecordGateDecision(string(origin), DecisionAuthoritative)
	res.Authoritative = true

	g.log.Info("ingest: price recorded",
		zap.String("asset_id", assetID),
		zap.String("origin", string(origin)),
		zap.Float64("price", rec.Price),
		zap.Int("confidence", rec.Confidence),
	)
	return res, nil
}

// TrustedHistory returns authoritative records at or above the threshold,
// newest first. Records written below the threshold are never returned.
func (g *Gate) TrustedHistory(ctx context.Context, assetID string, limit int) ([]model.PriceRecord, error) {
	recs, err := g.store.ListPriceRecords(ctx, assetID, store.PriceFilter{MinConfidence: g.opts.Threshold, Limit: limit})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: trusted history for %s", assetID)
	}
	return recs, nil
}

// CurrentPrice returns the most recent trusted record by creation time.
func (g *Gate) CurrentPrice(ctx context.Context, assetID string) (*model.PriceRecord, error) {
	return g.store.LatestPriceRecord(ctx, assetID, g.opts.Threshold)
}

// writeExternal keeps one row per source, the newest observation winning
// within the batch.
func (g *Gate) writeExternal(ctx context.Context, assetID string, obs []model.Observation) (int, error) {
	bySource := make(map[string]model.ExternalPriceRecord, len(obs))
	for _, o := range obs {
		checked := o.ObservedAt
		if checked.IsZero() {
			checked = time.Now().UTC()
		}
		if prev, ok := bySource[o.Source]; ok && prev.LastCheckedAt.After(checked) {
			continue
		}
		bySource[o.Source] = model.ExternalPriceRecord{
			AssetID:       assetID,
			Source:        o.Source,
			Price:         o.NormalizedPriceUSD,
			URL:           o.URL,
			Condition:     o.Condition,
			Title:         o.Title,
			ImageURL:      o.ImageURL,
			LastCheckedAt: checked,
		}
	}

	recs := make([]model.ExternalPriceRecord, 0, len(bySource))
	for _, r := range bySource {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Source < recs[j].Source })

	if err := g.store.UpsertExternalPrices(ctx, recs); err != nil {
		return 0, eris.Wrapf(err, "ingest: upsert external prices for %s", assetID)
	}
	return len(recs), nil
}

// idempotencyKey dedupes redeliveries. A scraped batch collapses into its
// observedAt bucket. Sales and manual entries are keyed on the events
// themselves (EventID, else exact time and price), so distinct events in the
// same bucket are all written.
func (g *Gate) idempotencyKey(assetID string, origin model.Origin, obs []model.Observation, observedAt time.Time) string {
	src := model.SourceFor(origin)
	if origin == model.OriginScraped {
		return fmt.Sprintf("%s|%s|%s", assetID, src, observedAt.UTC().Truncate(g.opts.Bucket).Format(time.RFC3339))
	}

	events := make([]string, len(obs))
	for i, o := range obs {
		if o.EventID != "" {
			events[i] = "event:" + o.EventID
			continue
		}
		events[i] = o.ObservedAt.UTC().Format(time.RFC3339Nano) + "@" + strconv.FormatFloat(o.NormalizedPriceUSD, 'f', -1, 64)
	}
	sort.Strings(events)
	return fmt.Sprintf("%s|%s|%s", assetID, src, strings.Join(events, ","))
}

// Median returns the middle price, averaging the two middle values for an
// even count. It returns 0 for no prices.
func Median(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	s := append([]float64(nil), prices...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func usable(obs []model.Observation) []model.Observation {
	out := make([]model.Observation, 0, len(obs))
	for _, o := range obs {
		p := o.NormalizedPriceUSD
		if p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p) {
			out = append(out, o)
		}
	}
	return out
}

func latest(obs []model.Observation) time.Time {
	var t time.Time
	for _, o := range obs {
		if o.ObservedAt.After(t) {
			t = o.ObservedAt
		}
	}
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}
