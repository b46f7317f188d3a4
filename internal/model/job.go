package model

import (
	"math"
	"time"
)

// JobStatus represents where a scrape job is in its lifecycle.
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusInFlight       JobStatus = "in-flight"
	JobStatusSucceeded      JobStatus = "succeeded"
	JobStatusRetryScheduled JobStatus = "retry-scheduled"
	JobStatusFailedTerminal JobStatus = "failed-terminal"
)

// Terminal reports whether no further attempts will be made.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailedTerminal
}

// BackoffPolicy computes exponential retry delays from a fixed base.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
}

// Delay returns Base * 2^attempt, where attempt is the zero-based index of
// the attempt that just failed: the first retry waits Base, the second
// 2*Base. Callers holding a one-based AttemptCount pass AttemptCount-1.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(b.Base) * math.Pow(2, float64(attempt)))
}

// ScrapeJob is an ephemeral request to price one asset from its keyword.
type ScrapeJob struct {
	ID           string        `json:"id"`
	AssetID      string        `json:"asset_id"`
	Keyword      string        `json:"keyword"`
	AttemptCount int           `json:"attempt_count"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      BackoffPolicy `json:"backoff"`
	Status       JobStatus     `json:"status"`
	LastError    string        `json:"last_error,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	NextRunAt    time.Time     `json:"next_run_at"`
}

// Exhausted reports whether the attempt budget has been spent.
func (j ScrapeJob) Exhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}
