package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/analysis"
	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/cost"
	"github.com/sells-group/safety-monitor/internal/ingest"
	"github.com/sells-group/safety-monitor/internal/llm"
	"github.com/sells-group/safety-monitor/internal/resilience"
	"github.com/sells-group/safety-monitor/internal/review"
	"github.com/sells-group/safety-monitor/internal/source"
	"github.com/sells-group/safety-monitor/internal/store"
	anthropicpkg "github.com/sells-group/safety-monitor/pkg/anthropic"
	"github.com/sells-group/safety-monitor/pkg/openai"
)

// appEnv holds the store and every component built on it for the
// scrape/analyze/serve commands.
type appEnv struct {
	Store    store.Store
	Sources  *source.Registry
	Ingest   *ingest.Orchestrator
	Gateway  *llm.Gateway // nil when analysis is not configured
	Pipeline *analysis.Pipeline
	Review   *review.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and wires the components. withLLM controls
// whether the gateway and analysis pipeline are built; they need provider
// keys. Callers should defer env.Close().
func initEnv(ctx context.Context, withLLM bool) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &appEnv{
		Store:   st,
		Sources: source.DefaultRegistry(),
		Review:  review.New(st),
	}
	env.Ingest = ingest.New(st, env.Sources, sourceOptions(cfg.Scrape), cfg.Scrape.MaxPages)

	if len(cfg.Sources) > 0 {
		if _, err := registerSources(ctx, st, env.Sources, cfg.Sources, cfg.Scheduler.DefaultSchedule); err != nil {
			env.Close()
			return nil, err
		}
		zap.L().Info("sources registered from config", zap.Int("count", len(cfg.Sources)))
	}

	if withLLM {
		gw, err := newGateway(cfg)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Gateway = gw
		env.Pipeline = analysis.New(st, gw, analysisOptions(cfg.Analysis))
	}

	return env, nil
}

// sourceOptions converts scrape settings into adapter defaults.
func sourceOptions(sc config.ScrapeConfig) source.Options {
	return source.Options{
		Fetch: source.FetchOptions{
			UserAgent:    sc.UserAgent,
			Timeout:      time.Duration(sc.TimeoutSecs) * time.Second,
			Delay:        time.Duration(sc.RequestDelayMs) * time.Millisecond,
			MaxBodyBytes: sc.MaxBodyBytes,
			Retry:        resilience.NewRetryConfig(sc.MaxAttempts, sc.BaseBackoffMs),
		},
		PDF: source.NewPdfToText(sc.PdfToTextPath),
	}
}

func analysisOptions(ac config.AnalysisConfig) analysis.Options {
	opts := analysis.DefaultOptions()
	opts.ClassificationThreshold = ac.ClassificationThreshold
	opts.RepairAttempts = ac.RepairAttempts
	if ac.PromptVersion != "" {
		opts.PromptVersion = ac.PromptVersion
	}
	if ac.Workers > 0 {
		opts.Workers = ac.Workers
	}
	return opts
}

// newGateway builds the provider chain primary then fallback, with shared
// breakers and pricing from config.
func newGateway(c *config.Config) (*llm.Gateway, error) {
	var providers []llm.Provider
	for _, name := range []string{c.LLM.Primary, c.LLM.Fallback} {
		switch name {
		case "":
		case cost.ProviderClaude:
			client := anthropicpkg.NewClient(c.Anthropic.Key)
			providers = append(providers, llm.NewClaudeProvider(client, c.Anthropic.Model))
		case cost.ProviderOpenAI:
			client := openai.NewClient(c.OpenAI.Key,
				openai.WithBaseURL(c.OpenAI.BaseURL),
				openai.WithModel(c.OpenAI.Model),
			)
			providers = append(providers, llm.NewOpenAIProvider(client, c.OpenAI.Model))
		default:
			return nil, eris.Errorf("unknown llm provider %q", name)
		}
	}

	rates := cost.DefaultRates().Merge(modelRates(c.Pricing.Anthropic), modelRates(c.Pricing.OpenAI))
	breakerCfg := resilience.NewCircuitBreakerConfig(c.LLM.BreakerThreshold, c.LLM.BreakerResetSecs)
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("llm: circuit state changed",
			zap.String("provider", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	return llm.New(llm.Options{
		Timeout:     time.Duration(c.LLM.TimeoutSecs) * time.Second,
		Retry:       resilience.NewRetryConfig(c.LLM.MaxRetries, c.LLM.BaseBackoffMs),
		Breakers:    resilience.NewBreakers(breakerCfg),
		Calculator:  cost.NewCalculator(rates),
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
	}, providers...)
}

func modelRates(in map[string]config.ModelPricing) map[string]cost.ModelRate {
	out := make(map[string]cost.ModelRate, len(in))
	for k, v := range in {
		out[k] = cost.ModelRate{Input: v.Input, Output: v.Output}
	}
	return out
}
