package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/store"
)

// Snapshot holds a point-in-time view of oracle health.
type Snapshot struct {
	Assets        int `json:"assets"`
	FailedJobs    int `json:"failed_jobs"`
	StaleExternal int `json:"stale_external"`

	StaleAfterHours int       `json:"stale_after_hours"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Collector gathers health figures from the store.
type Collector struct {
	store   store.Store
	nowFunc func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// Collect counts assets, failed-terminal jobs and external prices not
// refreshed within staleAfterHours. It also updates the failed-jobs gauge.
func (c *Collector) Collect(ctx context.Context, staleAfterHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		StaleAfterHours: staleAfterHours,
		CollectedAt:     now,
	}

	assets, err := c.store.CountAssets(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count assets")
	}
	snap.Assets = assets

	failed, err := c.store.CountFailedJobs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed jobs")
	}
	snap.FailedJobs = failed
	metrics.SetFailedJobs(failed)

	if staleAfterHours > 0 {
		cutoff := now.Add(-time.Duration(staleAfterHours) * time.Hour)
		stale, err := c.store.CountStaleExternal(ctx, cutoff)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count stale external prices")
		}
		snap.StaleExternal = stale
	}

	return snap, nil
}
