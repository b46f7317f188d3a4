package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-oracle/internal/store"
)

// mockStore implements the counting part of store.Store; the embedded
// interface panics if anything else is called.
type mockStore struct {
	store.Store

	assets    int
	failed    int
	stale     int
	countErr  error
	staleErr  error
	lastStale time.Time
}

func (m *mockStore) CountAssets(context.Context) (int, error) {
	return m.assets, m.countErr
}

func (m *mockStore) CountFailedJobs(context.Context) (int, error) {
	return m.failed, nil
}

func (m *mockStore) CountStaleExternal(_ context.Context, olderThan time.Time) (int, error) {
	m.lastStale = olderThan
	return m.stale, m.staleErr
}

func fixedCollector(st store.Store, now time.Time) *Collector {
	c := NewCollector(st)
	c.nowFunc = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &mockStore{assets: 40, failed: 3, stale: 7}

	snap, err := fixedCollector(st, now).Collect(context.Background(), 48)
	require.NoError(t, err)

	assert.Equal(t, 40, snap.Assets)
	assert.Equal(t, 3, snap.FailedJobs)
	assert.Equal(t, 7, snap.StaleExternal)
	assert.Equal(t, 48, snap.StaleAfterHours)
	assert.Equal(t, now, snap.CollectedAt)
	assert.Equal(t, now.Add(-48*time.Hour), st.lastStale)
}

func TestCollector_StaleCheckDisabled(t *testing.T) {
	st := &mockStore{stale: 5}

	snap, err := NewCollector(st).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, snap.StaleExternal)
	assert.True(t, st.lastStale.IsZero(), "stale count should not be queried")
}

func TestCollector_CountError(t *testing.T) {
	st := &mockStore{countErr: errors.New("db down")}

	_, err := NewCollector(st).Collect(context.Background(), 48)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count assets")
}

func TestCollector_StaleError(t *testing.T) {
	st := &mockStore{staleErr: errors.New("db down")}

	_, err := NewCollector(st).Collect(context.Background(), 48)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale external")
}
