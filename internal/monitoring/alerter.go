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

	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceRunFailed AlertType = "source_run_failed"
	AlertSourceStale     AlertType = "source_stale"
	AlertProviderOpen    AlertType = "provider_circuit_open"
	AlertCostOverrun     AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	for _, src := range snap.Sources {
		if !src.Active {
			continue
		}

		if src.LastRun != nil && src.LastRun.Status == model.ScrapeRunFailed {
			alerts = append(alerts, Alert{
				Type:     AlertSourceRunFailed,
				Severity: "high",
				Message:  fmt.Sprintf("Last scrape of %s failed: %s", src.Code, src.LastRun.Error),
				Details: map[string]any{
					"source":     src.Code,
					"run_id":     src.LastRun.ID,
					"started_at": src.LastRun.StartedAt,
				},
				Timestamp: now,
			})
		}

		if a.cfg.StaleAfterHours > 0 && src.LastRunAt != nil {
			age := now.Sub(*src.LastRunAt)
			if age > time.Duration(a.cfg.StaleAfterHours)*time.Hour {
				alerts = append(alerts, Alert{
					Type:     AlertSourceStale,
					Severity: "medium",
					Message: fmt.Sprintf("Source %s has not completed a run in %.0fh (threshold %dh)",
						src.Code, age.Hours(), a.cfg.StaleAfterHours),
					Details: map[string]any{
						"source":      src.Code,
						"last_run_at": src.LastRunAt,
					},
					Timestamp: now,
				})
			}
		}
	}

	for provider, state := range snap.Breakers {
		if state != "open" {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      AlertProviderOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("LLM provider %s circuit is open", provider),
			Details:   map[string]any{"provider": provider},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.Usage.Cost > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf("LLM spend $%.2f exceeds threshold $%.2f",
				snap.Usage.Cost, a.cfg.CostThresholdUSD),
			Details: map[string]any{
				"cost_usd":      snap.Usage.Cost,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"analyses":      snap.Analyses,
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
		if err := a.sendWebhook(ctx, alert); err != nil {
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
