// Package currency converts observed prices to USD.
package currency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	xcurrency "golang.org/x/text/currency"

	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/model"
)

// Conversion is the result of a USD conversion.
type Conversion struct {
	AmountUSD float64
	// Rate is units of the source currency per USD. Zero on fallback.
	Rate decimal.Decimal
	// Fallback is set when the amount was passed through 1:1 because no
	// usable rate was available.
	Fallback bool
	Reason   string
}

const (
	// DefaultFailureCooldown is how long a failed refresh suppresses refetches.
	DefaultFailureCooldown = time.Minute
	// DefaultMaxStale bounds how old a table may be when served in place of
	// a failed refresh.
	DefaultMaxStale = 24 * time.Hour
)

// Normalizer converts amounts to USD using a cached rate table. It never
// fails: any lookup problem yields a flagged 1:1 passthrough.
//
// Refreshes run outside the lock and concurrent callers share one fetch.
// After a failed refresh the last good table keeps being served (up to
// maxStale old), and no refetch is attempted until the cooldown passes.
type Normalizer struct {
	src      RateSource
	ttl      time.Duration
	cooldown time.Duration
	maxStale time.Duration
	log      *zap.Logger

	group singleflight.Group

	mu        sync.Mutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
	failedAt  time.Time
	lastErr   error

	nowFunc func() time.Time
}

// NewNormalizer creates a Normalizer. A ttl of 0 disables caching of good
// tables; failed refreshes still back off for the cooldown.
func NewNormalizer(src RateSource, ttl time.Duration) *Normalizer {
	return &Normalizer{
		src:      src,
		ttl:      ttl,
		cooldown: DefaultFailureCooldown,
		maxStale: DefaultMaxStale,
		log:      zap.L().With(zap.String("component", "currency")),
		nowFunc:  time.Now,
	}
}

// ToUSD converts amount in the given ISO 4217 currency to USD.
func (n *Normalizer) ToUSD(ctx context.Context, amount float64, code string) Conversion {
	unit, err := xcurrency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return n.fallback(amount, code, "unrecognized currency code")
	}
	if unit == xcurrency.USD {
		return Conversion{AmountUSD: amount, Rate: decimal.NewFromInt(1)}
	}

	rates, err := n.table(ctx)
	if err != nil {
		n.log.Debug("rate lookup failed", zap.Error(err))
		return n.fallback(amount, unit.String(), "rate lookup failed")
	}
	rate, ok := rates[unit.String()]
	if !ok {
		return n.fallback(amount, unit.String(), "rate missing from table")
	}
	if !rate.IsPositive() {
		return n.fallback(amount, unit.String(), "non-positive rate")
	}

	usd := decimal.NewFromFloat(amount).Div(rate)
	return Conversion{AmountUSD: usd.InexactFloat64(), Rate: rate}
}

// Normalize fills obs.NormalizedPriceUSD and obs.RateFallback from its raw
// price and currency.
func (n *Normalizer) Normalize(ctx context.Context, obs *model.Observation) {
	c := n.ToUSD(ctx, obs.RawPrice, obs.Currency)
	obs.NormalizedPriceUSD = c.AmountUSD
	obs.RateFallback = c.Fallback
}

// Invalidate drops the cached table and any failure cooldown so the next
// lookup refetches.
func (n *Normalizer) Invalidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rates = nil
	n.failedAt = time.Time{}
	n.lastErr = nil
}

// cached returns a table that can be served without fetching, or ok=false
// when a refresh is due. Callers hold n.mu.
func (n *Normalizer) cached() (map[string]decimal.Decimal, bool, error) {
	now := n.nowFunc()
	if n.rates != nil && n.ttl > 0 && now.Sub(n.fetchedAt) < n.ttl {
		return n.rates, true, nil
	}
	if !n.failedAt.IsZero() && now.Sub(n.failedAt) < n.cooldown {
		if stale := n.staleRates(now); stale != nil {
			return stale, true, nil
		}
		return nil, true, n.lastErr
	}
	return nil, false, nil
}

func (n *Normalizer) staleRates(now time.Time) map[string]decimal.Decimal {
	if n.rates != nil && now.Sub(n.fetchedAt) < n.maxStale {
		return n.rates
	}
	return nil
}

func (n *Normalizer) table(ctx context.Context) (map[string]decimal.Decimal, error) {
	n.mu.Lock()
	rates, ok, err := n.cached()
	n.mu.Unlock()
	if ok {
		return rates, err
	}

	v, err, _ := n.group.Do("rates", func() (any, error) {
		n.mu.Lock()
		rates, ok, err := n.cached()
		n.mu.Unlock()
		if ok {
			return rates, err
		}

		fresh, err := n.src.Rates(ctx)

		n.mu.Lock()
		defer n.mu.Unlock()
		now := n.nowFunc()
		if err != nil {
			n.failedAt = now
			n.lastErr = err
			if stale := n.staleRates(now); stale != nil {
				n.log.Warn("rate refresh failed, serving last good table",
					zap.Time("fetched_at", n.fetchedAt),
					zap.Error(err),
				)
				return stale, nil
			}
			return nil, err
		}
		n.rates = fresh
		n.fetchedAt = now
		n.failedAt = time.Time{}
		n.lastErr = nil
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]decimal.Decimal), nil
}

func (n *Normalizer) fallback(amount float64, code, reason string) Conversion {
	n.log.Warn("currency fallback to 1:1",
		zap.String("currency", code),
		zap.Float64("amount", amount),
		zap.String("reason", reason),
	)
	metrics.RecordCurrencyFallback(code)
	return Conversion{AmountUSD: amount, Fallback: true, Reason: reason}
}
