package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/model"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func testAlerter(cfg config.MonitoringConfig) *Alerter {
	a := NewAlerter(cfg)
	a.now = func() time.Time { return fixedNow }
	return a
}

func alertTypes(alerts []Alert) []AlertType {
	out := make([]AlertType, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	recent := fixedNow.Add(-2 * time.Hour)
	a := testAlerter(config.MonitoringConfig{StaleAfterHours: 48, CostThresholdUSD: 10})

	snap := &MetricsSnapshot{
		Sources: []SourceHealth{{
			Code:      "uk_pfd",
			Active:    true,
			LastRunAt: &recent,
			LastRun:   &model.ScrapeRun{Status: model.ScrapeRunComplete},
		}},
		Breakers: map[string]string{"claude": "closed"},
		Usage:    model.TokenUsage{Cost: 2},
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_SourceRunFailed(t *testing.T) {
	a := testAlerter(config.MonitoringConfig{})
	snap := &MetricsSnapshot{Sources: []SourceHealth{{
		Code:    "au_nsw_coroner",
		Active:  true,
		LastRun: &model.ScrapeRun{ID: "r1", Status: model.ScrapeRunFailed, Error: "listing: 503"},
	}}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceRunFailed, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "au_nsw_coroner")
	assert.Contains(t, alerts[0].Message, "listing: 503")
	assert.Equal(t, fixedNow, alerts[0].Timestamp)
}

func TestAlerter_Evaluate_SourceStale(t *testing.T) {
	old := fixedNow.Add(-72 * time.Hour)
	a := testAlerter(config.MonitoringConfig{StaleAfterHours: 48})

	snap := &MetricsSnapshot{Sources: []SourceHealth{
		{Code: "uk_pfd", Active: true, LastRunAt: &old},
		{Code: "nz_hdc", Active: false, LastRunAt: &old},
		{Code: "nz_coroner", Active: true},
	}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceStale, alerts[0].Type)
	assert.Equal(t, "uk_pfd", alerts[0].Details["source"])
}

func TestAlerter_Evaluate_ProviderCircuitOpen(t *testing.T) {
	a := testAlerter(config.MonitoringConfig{})
	snap := &MetricsSnapshot{Breakers: map[string]string{"claude": "open", "openai": "half-open"}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertProviderOpen, alerts[0].Type)
	assert.Equal(t, "claude", alerts[0].Details["provider"])
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := testAlerter(config.MonitoringConfig{CostThresholdUSD: 50})
	snap := &MetricsSnapshot{Usage: model.TokenUsage{Cost: 75.5}, Analyses: 120}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$75.50")
}

func TestAlerter_Evaluate_ZeroCostThreshold(t *testing.T) {
	a := testAlerter(config.MonitoringConfig{CostThresholdUSD: 0})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{Usage: model.TokenUsage{Cost: 999}}))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	old := fixedNow.Add(-100 * time.Hour)
	a := testAlerter(config.MonitoringConfig{StaleAfterHours: 24, CostThresholdUSD: 1})

	snap := &MetricsSnapshot{
		Sources: []SourceHealth{{
			Code:      "uk_pfd",
			Active:    true,
			LastRunAt: &old,
			LastRun:   &model.ScrapeRun{Status: model.ScrapeRunFailed},
		}},
		Breakers: map[string]string{"openai": "open"},
		Usage:    model.TokenUsage{Cost: 3},
	}

	assert.ElementsMatch(t,
		[]AlertType{AlertSourceRunFailed, AlertSourceStale, AlertProviderOpen, AlertCostOverrun},
		alertTypes(a.Evaluate(snap)),
	)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	alerts := []Alert{
		{Type: AlertSourceRunFailed, Severity: "high", Message: "test alert 1"},
		{Type: AlertProviderOpen, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ""})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceStale, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Message: "test"}})
	assert.Equal(t, 0, sent)
}
