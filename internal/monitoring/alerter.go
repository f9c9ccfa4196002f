package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/config"
	"github.com/sells-group/fundsync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertDLQDepth         AlertType = "dlq_depth"
	AlertCircuitOpen      AlertType = "circuit_open"
)

// minFinished is the smallest batch whose failure rate is worth alerting on.
const minFinished = 5

// Alert is the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a snapshot into alerts and delivers them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an alerter. Zero thresholds disable their checks and an
// empty webhook URL disables delivery.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			Strategy:       resilience.BackoffExponential,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
		},
	}
}

// Evaluate returns the alerts the snapshot triggers, batch failure rate first.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.BatchComplete + snap.BatchFailed
	if finished >= minFinished && a.cfg.FailureRateThreshold > 0 && snap.BatchFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.BatchID, snap.BatchFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.BatchFailed, finished,
			),
			Details: map[string]any{
				"batch_id":     snap.BatchID,
				"failure_rate": snap.BatchFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.BatchFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message:  fmt.Sprintf("%d dead letters queued, threshold %d", snap.DLQDepth, a.cfg.DLQDepthThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   "Circuit open for " + strings.Join(snap.OpenCircuits, ", "),
			Details:   map[string]any{"destinations": snap.OpenCircuits},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts each alert to the webhook, retrying 5xx responses and
// network errors. It returns how many were accepted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring"))
	sent := 0
	for _, alert := range alerts {
		body, err := json.Marshal(alert)
		if err != nil {
			log.Error("encode alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		_, err = resilience.DoVal(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.post(ctx, body)
		})
		if err != nil {
			log.Error("alert not delivered", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: post webhook"), 0)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook status %d", resp.StatusCode), resp.StatusCode)
	default:
		return eris.Errorf("monitoring: webhook status %d", resp.StatusCode)
	}
}
