// Package queue schedules scrape jobs and runs them on a bounded worker
// pool. Delivery is at-least-once: a job may run again after a crash, so
// everything downstream must be idempotent.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/internal/store"
)

// ErrClosed is returned by operations on a closed Scheduler.
var ErrClosed = eris.New("queue: closed")

// Processor runs one attempt of a job. A nil error completes the job.
type Processor interface {
	Process(ctx context.Context, job model.ScrapeJob) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job model.ScrapeJob) error

func (f ProcessorFunc) Process(ctx context.Context, job model.ScrapeJob) error { return f(ctx, job) }

// JobStore is the persistence the Scheduler needs: asset enumeration for
// ScheduleAll and the failed-terminal record set.
type JobStore interface {
	ListAssets(ctx context.Context, filter store.AssetFilter) ([]model.Asset, error)
	SaveFailedJob(ctx context.Context, f resilience.FailedJob) error
	GetFailedJob(ctx context.Context, id string) (*resilience.FailedJob, error)
	RemoveFailedJob(ctx context.Context, id string) error
}

// Options configures a Scheduler.
type Options struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	RemoveOnFail bool
	// PollInterval bounds how long an idle worker sleeps before checking
	// for jobs that became due.
	PollInterval time.Duration
}

// DefaultOptions returns the reference queue policy.
func DefaultOptions() Options {
	return Options{Workers: 4, MaxAttempts: 3, BackoffBase: time.Second, PollInterval: 250 * time.Millisecond}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// EnqueueOption overrides per-job settings.
type EnqueueOption func(*model.ScrapeJob)

// WithMaxAttempts overrides the attempt budget for one job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *model.ScrapeJob) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithBackoff overrides the backoff base for one job.
func WithBackoff(base time.Duration) EnqueueOption {
	return func(j *model.ScrapeJob) {
		if base > 0 {
			j.Backoff = model.BackoffPolicy{Base: base}
		}
	}
}

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *model.ScrapeJob) { j.NextRunAt = j.NextRunAt.Add(d) }
}

// Scheduler owns the job backend and the worker pool. Construct one per
// process, Start it once and Close it on shutdown.
type Scheduler struct {
	backend Backend
	proc    Processor
	store   JobStore
	opts    Options
	log     *zap.Logger
	nowFunc func() time.Time

	wake  chan struct{}
	tasks chan *Task

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a Scheduler. Workers do not run until Start.
func New(backend Backend, proc Processor, st JobStore, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		backend: backend,
		proc:    proc,
		store:   st,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "queue")),
		nowFunc: time.Now,
		wake:    make(chan struct{}, opts.Workers),
		tasks:   make(chan *Task, opts.Workers*4),
	}
}

// Enqueue schedules a scrape of one asset.
func (s *Scheduler) Enqueue(ctx context.Context, assetID, keyword string, opts ...EnqueueOption) (model.ScrapeJob, error) {
	if s.isClosed() {
		return model.ScrapeJob{}, ErrClosed
	}
	job, err := s.newJob(assetID, keyword, opts...)
	if err != nil {
		return model.ScrapeJob{}, err
	}
	if err := s.backend.Push(ctx, job); err != nil {
		return model.ScrapeJob{}, eris.Wrapf(err, "queue: enqueue asset %s", assetID)
	}
	s.notify()
	s.log.Debug("queue: job enqueued",
		zap.String("job_id", job.ID),
		zap.String("asset_id", assetID),
		zap.String("keyword", keyword),
	)
	return job, nil
}

// ScheduleAll enqueues a job for every tracked asset. If the asset listing
// fails nothing is enqueued and the count is zero.
func (s *Scheduler) ScheduleAll(ctx context.Context, opts ...EnqueueOption) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	assets, err := s.store.ListAssets(ctx, store.AssetFilter{})
	if err != nil {
		return 0, eris.Wrap(err, "queue: schedule all: list assets")
	}

	jobs := make([]model.ScrapeJob, 0, len(assets))
	for _, a := range assets {
		job, err := s.newJob(a.ID, a.Keyword, opts...)
		if err != nil {
			return 0, eris.Wrapf(err, "queue: schedule all: asset %s", a.Ticker)
		}
		jobs = append(jobs, job)
	}

	for i, job := range jobs {
		if err := s.backend.Push(ctx, job); err != nil {
			return i, eris.Wrapf(err, "queue: schedule all: push %d/%d", i+1, len(jobs))
		}
	}
	s.notify()
	s.log.Info("queue: scheduled all assets", zap.Int("jobs", len(jobs)))
	return len(jobs), nil
}

// Retry re-enqueues a failed-terminal job with a fresh attempt budget and
// removes its failure record.
func (s *Scheduler) Retry(ctx context.Context, failedJobID string) (model.ScrapeJob, error) {
	if s.isClosed() {
		return model.ScrapeJob{}, ErrClosed
	}
	f, err := s.store.GetFailedJob(ctx, failedJobID)
	if err != nil {
		return model.ScrapeJob{}, eris.Wrapf(err, "queue: retry %s", failedJobID)
	}
	job := f.Requeue(s.nowFunc())
	if err := s.backend.Push(ctx, job); err != nil {
		return model.ScrapeJob{}, eris.Wrapf(err, "queue: retry %s: push", failedJobID)
	}
	if err := s.store.RemoveFailedJob(ctx, failedJobID); err != nil {
		return model.ScrapeJob{}, eris.Wrapf(err, "queue: retry %s: remove record", failedJobID)
	}
	s.notify()
	s.log.Info("queue: failed job requeued", zap.String("job_id", job.ID), zap.String("asset_id", job.AssetID))
	return job, nil
}

// Pending returns the number of scheduled and in-flight jobs.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	return s.backend.Len(ctx)
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return eris.New("queue: already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for i := range s.opts.Workers {
		s.group.Go(func() error {
			s.worker(ctx, i)
			return nil
		})
	}
	s.log.Info("queue: workers started", zap.Int("workers", s.opts.Workers))
	return nil
}

// Close stops accepting work, cancels in-flight attempts and waits for the
// workers to exit. Jobs interrupted by shutdown go back to the backend
// without consuming an attempt.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	s.drainTasks()
	return s.backend.Close()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	log := s.log.With(zap.Int("worker", id))
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case t := <-s.tasks:
			t.run(ctx)
			continue
		default:
		}

		job, err := s.backend.Pop(ctx, s.nowFunc())
		if err != nil && ctx.Err() == nil {
			log.Warn("queue: pop failed", zap.Error(err))
		}
		if job != nil {
			s.runJob(ctx, *job)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case t := <-s.tasks:
			t.run(ctx)
		case <-timer.C:
		}
	}
}

// runJob executes one attempt and applies the retry policy.
func (s *Scheduler) runJob(ctx context.Context, job model.ScrapeJob) {
	job.Status = model.JobStatusInFlight
	job.AttemptCount++
	log := s.log.With(
		zap.String("job_id", job.ID),
		zap.String("asset_id", job.AssetID),
		zap.Int("attempt", job.AttemptCount),
	)

	start := s.nowFunc()
	err := s.process(ctx, job)
	elapsed := s.nowFunc().Sub(start)

	// Shutdown interrupted the attempt; hand the job back untouched.
	if err != nil && ctx.Err() != nil {
		job.AttemptCount--
		job.Status = model.JobStatusPending
		if perr := s.backend.Push(context.WithoutCancel(ctx), job); perr != nil {
			log.Error("queue: failed to return interrupted job", zap.Error(perr))
		}
		return
	}

	bg := context.WithoutCancel(ctx)
	if err == nil {
		job.Status = model.JobStatusSucceeded
		if aerr := s.backend.Ack(bg, job.ID); aerr != nil {
			log.Warn("queue: ack failed", zap.Error(aerr))
		}
		metrics.RecordJobRun(string(model.JobStatusSucceeded), elapsed)
		log.Info("queue: job succeeded", zap.Duration("elapsed", elapsed))
		return
	}

	job.LastError = err.Error()
	if job.Exhausted() {
		s.fail(bg, job, err, log)
		metrics.RecordJobRun(string(model.JobStatusFailedTerminal), elapsed)
		return
	}

	// AttemptCount is one-based; Delay takes the zero-based index.
	delay := job.Backoff.Delay(job.AttemptCount - 1)
	job.Status = model.JobStatusRetryScheduled
	job.NextRunAt = s.nowFunc().Add(delay)
	if perr := s.backend.Push(bg, job); perr != nil {
		log.Error("queue: failed to schedule retry", zap.Error(perr))
		s.fail(bg, job, eris.Wrap(perr, "schedule retry"), log)
		return
	}
	metrics.RecordJobRun(string(model.JobStatusRetryScheduled), elapsed)
	log.Warn("queue: attempt failed, retry scheduled",
		zap.Error(err),
		zap.Duration("backoff", delay),
		zap.Int("max_attempts", job.MaxAttempts),
	)
}

// fail marks a job failed-terminal. It is acked once and, unless
// RemoveOnFail is set, recorded for operator inspection.
func (s *Scheduler) fail(ctx context.Context, job model.ScrapeJob, err error, log *zap.Logger) {
	f := resilience.NewFailedJob(job, err, s.nowFunc().UTC())
	if aerr := s.backend.Ack(ctx, job.ID); aerr != nil {
		log.Warn("queue: ack failed", zap.Error(aerr))
	}
	log.Error("queue: job failed terminally",
		zap.String("keyword", job.Keyword),
		zap.String("error_type", f.ErrorType),
		zap.Error(err),
	)
	if s.opts.RemoveOnFail {
		return
	}
	if serr := s.store.SaveFailedJob(ctx, f); serr != nil {
		log.Error("queue: failed to record failed job", zap.Error(serr))
	}
}

func (s *Scheduler) process(ctx context.Context, job model.ScrapeJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: processor panic: %v", r)
		}
	}()
	return s.proc.Process(ctx, job)
}

func (s *Scheduler) newJob(assetID, keyword string, opts ...EnqueueOption) (model.ScrapeJob, error) {
	if assetID == "" {
		return model.ScrapeJob{}, eris.New("queue: asset id is required")
	}
	if strings.TrimSpace(keyword) == "" {
		return model.ScrapeJob{}, eris.Errorf("queue: keyword is required for asset %s", assetID)
	}
	now := s.nowFunc()
	job := model.ScrapeJob{
		ID:          uuid.New().String(),
		AssetID:     assetID,
		Keyword:     keyword,
		MaxAttempts: s.opts.MaxAttempts,
		Backoff:     model.BackoffPolicy{Base: s.opts.BackoffBase},
		Status:      model.JobStatusPending,
		EnqueuedAt:  now,
		NextRunAt:   now,
	}
	for _, o := range opts {
		o(&job)
	}
	return job, nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) drainTasks() {
	for {
		select {
		case t := <-s.tasks:
			t.finish(ErrClosed)
		default:
			return
		}
	}
}
