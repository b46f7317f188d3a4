package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/config"
	"github.com/sells-group/price-oracle/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedJobs    AlertType = "failed_jobs"
	AlertStaleExternal AlertType = "stale_external_prices"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a Snapshot into alerts and posts them to a webhook.
// Deliveries that hit a 5xx or 429 are retried.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
			OnRetry:        resilience.RetryLogger("webhook", "send alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds. Alerts carry the
// snapshot's collection time.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if a.cfg.FailedJobsThreshold > 0 && snap.FailedJobs >= a.cfg.FailedJobsThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailedJobs,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d failed scrape job(s) awaiting inspection (threshold %d)",
				snap.FailedJobs, a.cfg.FailedJobsThreshold,
			),
			Details: map[string]any{
				"failed_jobs": snap.FailedJobs,
				"threshold":   a.cfg.FailedJobsThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.StaleExternal > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleExternal,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d external price(s) not refreshed in %dh",
				snap.StaleExternal, snap.StaleAfterHours,
			),
			Details: map[string]any{
				"stale_external": snap.StaleExternal,
				"assets":         snap.Assets,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("error_type", resilience.ClassifyError(err)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
