package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/price-oracle/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{IntervalMins: 1, StaleAfterHours: 48}
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          ts.URL,
		StaleAfterHours:     48,
		FailedJobsThreshold: 2,
	}
	checker := NewChecker(NewCollector(&mockStore{failed: 5, stale: 1}), NewAlerter(cfg), cfg)

	assert.Equal(t, 2, checker.Check(context.Background()))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CheckHealthy(t *testing.T) {
	cfg := config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1", FailedJobsThreshold: 10}
	checker := NewChecker(NewCollector(&mockStore{failed: 1}), NewAlerter(cfg), cfg)

	assert.Zero(t, checker.Check(context.Background()))
}
