package resilience

import (
	"time"

	"github.com/sells-group/price-oracle/internal/model"
)

// FailedJob is a scrape job that spent its whole attempt budget. It is kept
// for inspection and manual retry.
type FailedJob struct {
	Job       model.ScrapeJob `json:"job"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
	FailedAt  time.Time       `json:"failed_at"`
}

// FailedJobFilter narrows a failed-job listing.
type FailedJobFilter struct {
	AssetID string `json:"asset_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// NewFailedJob records job's terminal failure.
func NewFailedJob(job model.ScrapeJob, err error, at time.Time) FailedJob {
	job.Status = model.JobStatusFailedTerminal
	msg := job.LastError
	if err != nil {
		msg = err.Error()
		job.LastError = msg
	}
	return FailedJob{
		Job:       job,
		Error:     msg,
		ErrorType: ClassifyError(err),
		FailedAt:  at,
	}
}

// Requeue returns a fresh copy of the job with its attempt budget restored.
func (f FailedJob) Requeue(now time.Time) model.ScrapeJob {
	j := f.Job
	j.AttemptCount = 0
	j.Status = model.JobStatusPending
	j.LastError = ""
	j.EnqueuedAt = now
	j.NextRunAt = now
	return j
}
