package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/build"
	"github.com/sells-group/health-dataset-builder/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBuildFailureRate AlertType = "build_failure_rate"
	AlertStaleDatasets    AlertType = "stale_datasets"
	AlertPIIBlocked       AlertType = "pii_blocked"
	AlertFailingStreak    AlertType = "failing_streak"
)

// ErrNoWebhook is returned by Deliver when no webhook URL is configured.
var ErrNoWebhook = eris.New("monitoring: webhook_url not configured")

// minFinishedBuilds keeps a single failure from tripping the rate alert.
const minFinishedBuilds = 4

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Subject   string         `json:"subject,omitempty"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Key identifies the condition an alert reports. Two alerts with the same
// key describe the same ongoing condition.
func (a Alert) Key() string {
	return string(a.Type) + "/" + a.Subject
}

// Alerter evaluates a MetricsSnapshot against thresholds and posts alerts
// to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.BuildsComplete + snap.BuildsFailed
	if finished >= minFinishedBuilds && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBuildFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Build failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.BuildsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":    snap.FailureRate,
				"threshold":       a.cfg.FailureRateThreshold,
				"failed":          snap.BuildsFailed,
				"finished":        finished,
				"failed_by_state": snap.FailedByState,
			},
			Timestamp: now,
		})
	}

	// A PII block needs a human decision on the registry policy.
	if n := snap.FailedByState[string(build.StatePIIGating)]; n > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertPIIBlocked,
			Subject:   strconv.Itoa(n),
			Severity:  "high",
			Message:   fmt.Sprintf("%d build(s) blocked by the PII gate in last %dh", n, snap.LookbackHours),
			Details:   map[string]any{"blocked": n},
			Timestamp: now,
		})
	}

	if len(snap.StaleDatasets) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStaleDatasets,
			Subject:   strings.Join(snap.StaleDatasets, ","),
			Severity:  "medium",
			Message:   "Continuous datasets overdue: " + strings.Join(snap.StaleDatasets, ", "),
			Details:   map[string]any{"datasets": snap.StaleDatasets},
			Timestamp: now,
		})
	}

	if streaking := a.streaking(snap.FailingStreaks); len(streaking) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertFailingStreak,
			Subject:  strings.Join(streaking, ","),
			Severity: "high",
			Message: fmt.Sprintf("Continuous datasets failing %d+ builds in a row: %s",
				a.streakThreshold(), strings.Join(streaking, ", ")),
			Details:   map[string]any{"datasets": streaking, "threshold": a.streakThreshold()},
			Timestamp: now,
		})
	}

	return alerts
}

func (a *Alerter) streakThreshold() int {
	if a.cfg.StreakThreshold < 1 {
		return 3
	}
	return a.cfg.StreakThreshold
}

func (a *Alerter) streaking(streaks map[string]int) []string {
	var ids []string
	for id, n := range streaks {
		if n >= a.streakThreshold() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Deliver posts one alert to the webhook.
func (a *Alerter) Deliver(ctx context.Context, alert Alert) error {
	if a.cfg.WebhookURL == "" {
		return ErrNoWebhook
	}
	return a.sendWebhook(ctx, alert)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.Deliver(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
