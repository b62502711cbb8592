package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/llm"
)

func TestNewGateway_UsesConfiguredProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":1000000,"completion_tokens":0}}`))
	}))
	defer srv.Close()

	c := &config.Config{}
	c.LLM.Primary = "openai"
	c.OpenAI.Key = "sk-test"
	c.OpenAI.BaseURL = srv.URL
	c.OpenAI.Model = "gpt-4o-mini"
	c.LLM.MaxRetries = 1
	c.Pricing.OpenAI = map[string]config.ModelPricing{"gpt-4o-mini": {Input: 0.5, Output: 1}}

	gw, err := newGateway(c)
	require.NoError(t, err)

	resp, err := gw.Invoke(context.Background(), llm.Request{Stage: "classify", System: "s", Prompt: "p", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	// Configured pricing overrides the default gpt-4o-mini rate.
	assert.InDelta(t, 0.5, resp.Cost, 1e-9)
	assert.Equal(t, 1, gw.Totals()["openai"].Calls)
}

func TestNewGateway_Errors(t *testing.T) {
	c := &config.Config{}
	c.LLM.Primary = "gemini"
	_, err := newGateway(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown llm provider "gemini"`)

	_, err = newGateway(&config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider")
}

func TestAnalysisOptions(t *testing.T) {
	opts := analysisOptions(config.AnalysisConfig{ClassificationThreshold: 0.8, RepairAttempts: 1})
	assert.InDelta(t, 0.8, opts.ClassificationThreshold, 1e-9)
	assert.Equal(t, 1, opts.RepairAttempts)
	assert.Equal(t, "1.0.0", opts.PromptVersion)
	assert.Equal(t, 2, opts.Workers)

	opts = analysisOptions(config.AnalysisConfig{PromptVersion: "1.1.0", Workers: 6})
	assert.Equal(t, "1.1.0", opts.PromptVersion)
	assert.Equal(t, 6, opts.Workers)
}

func TestSourceOptions(t *testing.T) {
	opts := sourceOptions(config.ScrapeConfig{
		UserAgent:      "test-agent",
		RequestDelayMs: 250,
		MaxAttempts:    5,
		BaseBackoffMs:  100,
		TimeoutSecs:    7,
		MaxBodyBytes:   1 << 20,
	})
	assert.Equal(t, "test-agent", opts.Fetch.UserAgent)
	assert.Equal(t, 250*time.Millisecond, opts.Fetch.Delay)
	assert.Equal(t, 7*time.Second, opts.Fetch.Timeout)
	assert.Equal(t, 5, opts.Fetch.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.Fetch.Retry.Backoff.Base)
	assert.NotNil(t, opts.PDF)
}

func TestInitEnv_RegistersConfiguredSources(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "env.db")},
		Sources: []config.SourceConfig{
			{Code: "uk_pfd", Scraper: "uk_pfd", BaseURL: "https://www.judiciary.uk/"},
		},
	}
	cfg.Scheduler.DefaultSchedule = "0 6 * * *"

	env, err := initEnv(context.Background(), false)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Gateway)
	assert.Nil(t, env.Pipeline)
	assert.NotNil(t, env.Ingest)
	assert.NotNil(t, env.Review)

	src, err := env.Store.GetSource(context.Background(), "uk_pfd")
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * *", src.Schedule)
	assert.True(t, src.Active)
}
