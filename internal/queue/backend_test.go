package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-oracle/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func jobAt(id string, at time.Time) model.ScrapeJob {
	return model.ScrapeJob{ID: id, AssetID: "asset-" + id, Keyword: "kw " + id, MaxAttempts: 3, Status: model.JobStatusPending, EnqueuedAt: base, NextRunAt: at}
}

func newTestRedisBackend(t *testing.T, opts ...RedisOption) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendFromClient(client, opts...)
	t.Cleanup(func() { b.Close() }) //nolint:errcheck
	return b, mr
}

// backendContract runs the behavior every Backend must share.
func backendContract(t *testing.T, b Backend) {
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, jobAt("late", base.Add(time.Minute))))
	require.NoError(t, b.Push(ctx, jobAt("early", base)))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := b.Pop(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "early", job.ID)
	assert.Equal(t, "kw early", job.Keyword)

	job, err = b.Pop(ctx, base)
	require.NoError(t, err)
	assert.Nil(t, job, "late job is not due yet")

	require.NoError(t, b.Ack(ctx, "early"))
	n, err = b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-pushing replaces the scheduled entry rather than duplicating it.
	require.NoError(t, b.Push(ctx, jobAt("late", base.Add(-time.Minute))))
	n, err = b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = b.Pop(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "late", job.ID)

	job, err = b.Pop(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, job, "claimed job is not handed out twice")
}

func TestMemoryBackend_Contract(t *testing.T) {
	backendContract(t, NewMemoryBackend())
}

func TestRedisBackend_Contract(t *testing.T) {
	b, _ := newTestRedisBackend(t, WithVisibility(24*time.Hour))
	backendContract(t, b)
}

func TestMemoryBackend_RetryPushAfterPop(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, b.Push(ctx, jobAt("j", base)))

	job, err := b.Pop(ctx, base)
	require.NoError(t, err)
	job.AttemptCount = 1
	job.NextRunAt = base.Add(time.Second)
	require.NoError(t, b.Push(ctx, *job))

	n, _ := b.Len(ctx)
	assert.Equal(t, 1, n)

	again, err := b.Pop(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.AttemptCount)
}

func TestRedisBackend_ExpiredClaimIsRedelivered(t *testing.T) {
	b, _ := newTestRedisBackend(t, WithVisibility(time.Minute))
	ctx := context.Background()
	require.NoError(t, b.Push(ctx, jobAt("j", base)))

	job, err := b.Pop(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, job)

	job, err = b.Pop(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Nil(t, job, "still within visibility window")

	job, err = b.Pop(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job, "crashed worker's claim expires")
	assert.Equal(t, "j", job.ID)
}

func TestRedisBackend_KeysUsePrefix(t *testing.T) {
	b, mr := newTestRedisBackend(t, WithPrefix("test:q"))
	require.NoError(t, b.Push(context.Background(), jobAt("j", base)))

	assert.True(t, mr.Exists("test:q:data"))
	assert.True(t, mr.Exists("test:q:scheduled"))
}

func TestNewRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = NewRedisBackend(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestScheduler_WithRedisBackend(t *testing.T) {
	b, _ := newTestRedisBackend(t)
	done := make(chan string, 1)
	proc := ProcessorFunc(func(_ context.Context, job model.ScrapeJob) error {
		done <- job.Keyword
		return nil
	})
	s := New(b, proc, newFakeStore(), testOptions())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close() //nolint:errcheck

	_, err := s.Enqueue(context.Background(), "asset-1", "steam deck 512gb")
	require.NoError(t, err)

	select {
	case kw := <-done:
		assert.Equal(t, "steam deck 512gb", kw)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
}
