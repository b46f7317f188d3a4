// Package oracle turns one scrape job into an ingested price: it fans the
// keyword out to every source adapter, normalizes what comes back to USD and
// hands the batch to the ingestion gate.
package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/price-oracle/internal/ingest"
	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/source"
)

// ErrNoObservations is returned when every adapter came back empty, so the
// job is retried.
var ErrNoObservations = eris.New("oracle: no source returned a price")

// Normalizer converts an observation's raw price to USD in place.
type Normalizer interface {
	Normalize(ctx context.Context, obs *model.Observation)
}

// Ingester persists a batch of observations.
type Ingester interface {
	Ingest(ctx context.Context, assetID string, obs []model.Observation, origin model.Origin) (ingest.WriteResult, error)
}

// Options controls the adapter fan-out.
type Options struct {
	// Parallel runs adapters concurrently, at most MaxConcurrent at a time.
	Parallel      bool
	MaxConcurrent int
}

// Miss records why one adapter produced nothing.
type Miss struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Collection is everything gathered for one keyword.
type Collection struct {
	Observations []model.Observation `json:"observations"`
	Misses       []Miss              `json:"misses,omitempty"`
}

// Processor implements queue.Processor.
type Processor struct {
	adapters   []source.Adapter
	normalizer Normalizer
	gate       Ingester
	opts       Options
	log        *zap.Logger
	nowFunc    func() time.Time
}

// NewProcessor creates a Processor over adapters.
func NewProcessor(adapters []source.Adapter, n Normalizer, gate Ingester, opts Options) *Processor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	return &Processor{
		adapters:   adapters,
		normalizer: n,
		gate:       gate,
		opts:       opts,
		log:        zap.L().With(zap.String("component", "oracle")),
		nowFunc:    time.Now,
	}
}

// Process scrapes, normalizes and ingests one job. It fails only when no
// adapter found a price or the write itself failed; a vanished asset is not
// an error.
func (p *Processor) Process(ctx context.Context, job model.ScrapeJob) error {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("asset_id", job.AssetID), zap.String("keyword", job.Keyword))

	col := p.Collect(ctx, job.AssetID, job.Keyword)
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "oracle: collect")
	}
	if len(col.Observations) == 0 {
		reasons := make([]string, len(col.Misses))
		for i, m := range col.Misses {
			reasons[i] = m.Source + ": " + m.Reason
		}
		return eris.Wrapf(ErrNoObservations, "%d adapters (%s)", len(col.Misses), strings.Join(reasons, "; "))
	}

	res, err := p.gate.Ingest(ctx, job.AssetID, col.Observations, model.OriginScraped)
	if err != nil {
		return eris.Wrap(err, "oracle: ingest")
	}
	log.Info("oracle: job ingested",
		zap.Int("observations", len(col.Observations)),
		zap.Int("misses", len(col.Misses)),
		zap.Int("confidence", res.Confidence),
		zap.Bool("authoritative", res.Authoritative),
		zap.Bool("skipped", res.Skipped),
	)
	return nil
}

// Collect runs every adapter for keyword and waits for all of them to
// settle before returning, so the batch is never scored on a partial sample.
func (p *Processor) Collect(ctx context.Context, assetID, keyword string) Collection {
	results := make([]source.Result, len(p.adapters))

	if p.opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.MaxConcurrent)
		for i, a := range p.adapters {
			g.Go(func() error {
				results[i] = a.Attempt(gctx, keyword)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, a := range p.adapters {
			results[i] = a.Attempt(ctx, keyword)
		}
	}

	var col Collection
	for i, r := range results {
		name := p.adapters[i].Name()
		l, ok := r.Listing()
		if !ok {
			col.Misses = append(col.Misses, Miss{Source: name, Reason: r.Reason()})
			continue
		}
		obs := model.Observation{
			AssetID:    assetID,
			Source:     name,
			RawPrice:   l.Price,
			Currency:   l.Currency,
			URL:        l.URL,
			Condition:  l.Condition,
			Title:      l.Title,
			ImageURL:   l.ImageURL,
			ObservedAt: p.nowFunc().UTC(),
		}
		if obs.Currency == "" {
			obs.Currency = "USD"
		}
		p.normalizer.Normalize(ctx, &obs)
		col.Observations = append(col.Observations, obs)
	}
	return col
}
