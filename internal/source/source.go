// Package source defines marketplace adapters. An adapter searches one
// marketplace for a keyword and reports at most one listing. Adapters never
// return errors; every failure mode collapses to NoResult so a flaky
// marketplace cannot abort a job.
package source

import (
	"context"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"time"

	"github.com/sells-group/price-oracle/internal/model"
)

// Result is the outcome of one adapter attempt: either a listing was found
// or it was not.
type Result struct {
	listing model.Listing
	found   bool
	reason  string
}

// Found wraps a listing.
func Found(l model.Listing) Result { return Result{listing: l, found: true} }

// NoResult records why nothing usable was found.
func NoResult(reason string) Result { return Result{reason: reason} }

// Listing returns the listing and whether one was found.
func (r Result) Listing() (model.Listing, bool) { return r.listing, r.found }

// OK reports whether a listing was found.
func (r Result) OK() bool { return r.found }

// Reason is the NoResult explanation, empty when found.
func (r Result) Reason() string { return r.reason }

// Adapter searches one marketplace.
type Adapter interface {
	Name() string
	Attempt(ctx context.Context, keyword string) Result
}

var nonPrice = regexp.MustCompile(`[^0-9.]`)

// SanitizePrice strips everything but digits and dots from raw and parses
// the remainder. It reports false for anything that is not a finite,
// positive number.
func SanitizePrice(raw string) (float64, bool) {
	cleaned := nonPrice.ReplaceAllString(raw, "")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// Settle is the randomized pause between loading a page and reading it,
// giving late-rendering content a chance to appear.
type Settle struct {
	Min time.Duration
	Max time.Duration

	rand  func(n int64) int64
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSettle waits between half a second and two seconds.
func DefaultSettle() Settle {
	return Settle{Min: 500 * time.Millisecond, Max: 2 * time.Second}
}

// NoSettle disables the pause.
func NoSettle() Settle { return Settle{} }

// Delay picks the next pause length in [Min, Max].
func (s Settle) Delay() time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	rnd := s.rand
	if rnd == nil {
		rnd = rand.Int64N
	}
	return s.Min + time.Duration(rnd(int64(s.Max-s.Min)+1))
}

// Wait pauses for Delay or until ctx is done.
func (s Settle) Wait(ctx context.Context) error {
	d := s.Delay()
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
