package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	assets  []model.Asset
	listErr error
	failed  map[string]resilience.FailedJob
	saves   int
}

func newFakeStore(assets ...model.Asset) *fakeStore {
	return &fakeStore{assets: assets, failed: make(map[string]resilience.FailedJob)}
}

func (f *fakeStore) ListAssets(_ context.Context, _ store.AssetFilter) ([]model.Asset, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.assets, nil
}

func (f *fakeStore) SaveFailedJob(_ context.Context, j resilience.FailedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.failed[j.Job.ID] = j
	return nil
}

func (f *fakeStore) GetFailedJob(_ context.Context, id string) (*resilience.FailedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.failed[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (f *fakeStore) RemoveFailedJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.failed[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.failed, id)
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func testOptions() Options {
	return Options{Workers: 2, MaxAttempts: 3, BackoffBase: time.Millisecond, PollInterval: 5 * time.Millisecond}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
}

func TestScheduler_SuccessRemovesJob(t *testing.T) {
	var calls atomic.Int32
	proc := ProcessorFunc(func(_ context.Context, job model.ScrapeJob) error {
		calls.Add(1)
		assert.Equal(t, model.JobStatusInFlight, job.Status)
		assert.Equal(t, 1, job.AttemptCount)
		return nil
	})
	backend := NewMemoryBackend()
	s := New(backend, proc, newFakeStore(), testOptions())
	startScheduler(t, s)

	job, err := s.Enqueue(context.Background(), "asset-1", "iphone 12")
	require.NoError(t, err)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, model.JobStatusPending, job.Status)

	require.Eventually(t, func() bool {
		n, _ := backend.Len(context.Background())
		return calls.Load() == 1 && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_FailsTerminallyExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	proc := ProcessorFunc(func(context.Context, model.ScrapeJob) error {
		calls.Add(1)
		return errors.New("no source returned a price")
	})
	st := newFakeStore()
	backend := NewMemoryBackend()
	s := New(backend, proc, st, testOptions())
	startScheduler(t, s)

	job, err := s.Enqueue(context.Background(), "asset-1", "switch")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.saveCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(3), calls.Load(), "no attempts after failed-terminal")
	assert.Equal(t, 1, st.saveCount())
	n, err := backend.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f, err := st.GetFailedJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailedTerminal, f.Job.Status)
	assert.Equal(t, 3, f.Job.AttemptCount)
	assert.Equal(t, "no source returned a price", f.Error)
	assert.Equal(t, "permanent", f.ErrorType)
}

func TestScheduler_RemoveOnFail(t *testing.T) {
	proc := ProcessorFunc(func(context.Context, model.ScrapeJob) error { return errors.New("boom") })
	st := newFakeStore()
	opts := testOptions()
	opts.RemoveOnFail = true
	opts.MaxAttempts = 1
	backend := NewMemoryBackend()
	s := New(backend, proc, st, opts)
	startScheduler(t, s)

	_, err := s.Enqueue(context.Background(), "asset-1", "switch")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := backend.Len(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, st.saveCount())
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	done := make(chan model.ScrapeJob, 1)
	proc := ProcessorFunc(func(_ context.Context, job model.ScrapeJob) error {
		if calls.Add(1) == 1 {
			return errors.New("timeout")
		}
		done <- job
		return nil
	})
	st := newFakeStore()
	s := New(NewMemoryBackend(), proc, st, testOptions())
	startScheduler(t, s)

	_, err := s.Enqueue(context.Background(), "asset-1", "switch")
	require.NoError(t, err)

	select {
	case job := <-done:
		assert.Equal(t, 2, job.AttemptCount)
		assert.Equal(t, "timeout", job.LastError)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried")
	}
	assert.Zero(t, st.saveCount())
}

// recordingBackend captures pushes so tests can inspect retry scheduling.
type recordingBackend struct {
	*MemoryBackend
	mu     sync.Mutex
	pushes []model.ScrapeJob
}

func (r *recordingBackend) Push(ctx context.Context, job model.ScrapeJob) error {
	r.mu.Lock()
	r.pushes = append(r.pushes, job)
	r.mu.Unlock()
	return r.MemoryBackend.Push(ctx, job)
}

func (r *recordingBackend) last() model.ScrapeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes[len(r.pushes)-1]
}

func (r *recordingBackend) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func TestScheduler_ExponentialBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend()}
	proc := ProcessorFunc(func(context.Context, model.ScrapeJob) error { return errors.New("empty") })
	opts := testOptions()
	opts.BackoffBase = time.Minute
	s := New(backend, proc, newFakeStore(), opts)
	s.nowFunc = func() time.Time { return now }

	job, err := s.Enqueue(context.Background(), "asset-1", "kw")
	require.NoError(t, err)

	popped, err := backend.Pop(context.Background(), now)
	require.NoError(t, err)
	s.runJob(context.Background(), *popped)

	retry := backend.last()
	assert.Equal(t, job.ID, retry.ID)
	assert.Equal(t, model.JobStatusRetryScheduled, retry.Status)
	assert.Equal(t, 1, retry.AttemptCount)
	assert.Equal(t, now.Add(time.Minute), retry.NextRunAt)

	now = now.Add(time.Minute)
	popped, err = backend.Pop(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, popped)
	s.runJob(context.Background(), *popped)

	retry = backend.last()
	assert.Equal(t, 2, retry.AttemptCount)
	assert.Equal(t, now.Add(2*time.Minute), retry.NextRunAt)
	assert.Equal(t, 3, backend.count())
}

func TestScheduler_InterruptedAttemptIsReturned(t *testing.T) {
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend()}
	ctx, cancel := context.WithCancel(context.Background())
	proc := ProcessorFunc(func(ctx context.Context, _ model.ScrapeJob) error {
		cancel()
		return ctx.Err()
	})
	st := newFakeStore()
	s := New(backend, proc, st, testOptions())

	_, err := s.Enqueue(context.Background(), "asset-1", "kw")
	require.NoError(t, err)
	popped, err := backend.Pop(context.Background(), time.Now())
	require.NoError(t, err)
	s.runJob(ctx, *popped)

	back := backend.last()
	assert.Equal(t, 0, back.AttemptCount)
	assert.Equal(t, model.JobStatusPending, back.Status)
	assert.Zero(t, st.saveCount())
}

func TestScheduler_PanicCountsAsFailure(t *testing.T) {
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend()}
	proc := ProcessorFunc(func(context.Context, model.ScrapeJob) error { panic("selector exploded") })
	s := New(backend, proc, newFakeStore(), testOptions())

	_, err := s.Enqueue(context.Background(), "asset-1", "kw")
	require.NoError(t, err)
	popped, err := backend.Pop(context.Background(), time.Now())
	require.NoError(t, err)
	s.runJob(context.Background(), *popped)

	assert.Contains(t, backend.last().LastError, "selector exploded")
}

func TestScheduler_ScheduleAll(t *testing.T) {
	st := newFakeStore(
		model.Asset{ID: "a1", Ticker: "AAA", Keyword: "iphone"},
		model.Asset{ID: "a2", Ticker: "AAB", Keyword: "pixel"},
	)
	backend := NewMemoryBackend()
	s := New(backend, ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), st, testOptions())

	n, err := s.ScheduleAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestScheduler_ScheduleAllListingFailureSchedulesNothing(t *testing.T) {
	st := newFakeStore(model.Asset{ID: "a1", Keyword: "iphone"})
	st.listErr = errors.New("connection refused")
	backend := NewMemoryBackend()
	s := New(backend, ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), st, testOptions())

	n, err := s.ScheduleAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)

	pending, err := backend.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestScheduler_ScheduleAllBadAssetSchedulesNothing(t *testing.T) {
	st := newFakeStore(model.Asset{ID: "a1", Keyword: "iphone"}, model.Asset{ID: "a2", Keyword: " "})
	backend := NewMemoryBackend()
	s := New(backend, ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), st, testOptions())

	n, err := s.ScheduleAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	pending, _ := backend.Len(context.Background())
	assert.Zero(t, pending)
}

func TestScheduler_EnqueueValidationAndOptions(t *testing.T) {
	s := New(NewMemoryBackend(), ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), newFakeStore(), testOptions())
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "", "kw")
	assert.Error(t, err)
	_, err = s.Enqueue(ctx, "a1", "  ")
	assert.Error(t, err)

	job, err := s.Enqueue(ctx, "a1", "kw", WithMaxAttempts(5), WithBackoff(time.Hour), WithDelay(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, time.Hour, job.Backoff.Base)
	assert.Equal(t, job.EnqueuedAt.Add(time.Minute), job.NextRunAt)
}

func TestScheduler_ClosedRejectsWork(t *testing.T) {
	s := New(NewMemoryBackend(), ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), newFakeStore(), testOptions())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Enqueue(context.Background(), "a1", "kw")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ScheduleAll(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Submit(context.Background(), "noop", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestScheduler_RetryFailedJob(t *testing.T) {
	st := newFakeStore()
	failed := resilience.NewFailedJob(model.ScrapeJob{ID: "job-1", AssetID: "a1", Keyword: "kw", AttemptCount: 3, MaxAttempts: 3}, errors.New("x"), time.Now())
	require.NoError(t, st.SaveFailedJob(context.Background(), failed))

	backend := NewMemoryBackend()
	s := New(backend, ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), st, testOptions())

	job, err := s.Retry(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Zero(t, job.AttemptCount)
	assert.Equal(t, model.JobStatusPending, job.Status)

	_, err = st.GetFailedJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	n, _ := backend.Len(context.Background())
	assert.Equal(t, 1, n)

	_, err = s.Retry(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduler_SubmitTask(t *testing.T) {
	s := New(NewMemoryBackend(), ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), newFakeStore(), testOptions())
	startScheduler(t, s)

	task, err := s.Submit(context.Background(), "schedule-all", func(context.Context) error {
		return errors.New("listing failed")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.EqualError(t, task.Wait(ctx), "listing failed")
	assert.EqualError(t, task.Err(), "listing failed")
}

func TestTask_CancelBeforeRun(t *testing.T) {
	var ran atomic.Bool
	task := &Task{Name: "x", fn: func(context.Context) error { ran.Store(true); return nil }, done: make(chan struct{})}
	assert.NoError(t, task.Err(), "unfinished task has no error")

	task.Cancel()
	task.run(context.Background())

	assert.False(t, ran.Load())
	assert.ErrorIs(t, task.Err(), context.Canceled)
}

func TestTask_CancelWhileRunning(t *testing.T) {
	s := New(NewMemoryBackend(), ProcessorFunc(func(context.Context, model.ScrapeJob) error { return nil }), newFakeStore(), testOptions())
	startScheduler(t, s)

	started := make(chan struct{})
	task, err := s.Submit(context.Background(), "long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	task.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.Canceled)
}
