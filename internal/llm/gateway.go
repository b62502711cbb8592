// Package llm is the single entry point for model calls. The gateway tries
// the primary provider with bounded retry and fails over to the secondary
// when the primary is unavailable or stays rate limited; every call is
// priced and every failure is one of the typed kinds in this package.
package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/cost"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/resilience"
)

// Request is one stage call.
type Request struct {
	// Stage labels the call for logging and accounting.
	Stage       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
	// JSON asks providers that support it for a JSON object response.
	JSON bool
}

// Response is a successful call.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	// Attempts counts every provider call made, across failover.
	Attempts int
	// FailedOver is set when the answer came from a non-primary provider.
	FailedOver bool
}

// Usage returns the response's token usage and cost.
func (r *Response) Usage() model.TokenUsage {
	return model.TokenUsage{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens, Cost: r.Cost}
}

// Options configures a Gateway.
type Options struct {
	// Timeout bounds a single provider call. Default: 120s.
	Timeout     time.Duration
	Retry       resilience.RetryConfig
	Breakers    *resilience.Breakers
	Calculator  *cost.Calculator
	MaxTokens   int64
	Temperature float64
}

// Gateway routes requests to an ordered list of providers.
type Gateway struct {
	providers []Provider
	opts      Options

	mu     sync.Mutex
	totals map[string]*ProviderTotals
}

// ProviderTotals accumulates usage per provider for the life of the process.
type ProviderTotals struct {
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost_usd"`
}

// New creates a Gateway. providers[0] is primary; later entries are tried in
// order on failover.
func New(opts Options, providers ...Provider) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, eris.New("llm: at least one provider is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakers(resilience.NewCircuitBreakerConfig(0, 0))
	}
	if opts.Calculator == nil {
		opts.Calculator = cost.NewCalculator(cost.DefaultRates())
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Gateway{
		providers: providers,
		opts:      opts,
		totals:    make(map[string]*ProviderTotals),
	}, nil
}

// Invoke sends req to the primary provider, failing over on
// ProviderUnavailable, exhausted RateLimited or exhausted Timeout. An
// InvalidResponse is returned without failover. The returned error is
// always an *Error unless ctx was cancelled.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.opts.MaxTokens
	}
	if req.Temperature == nil {
		t := g.opts.Temperature
		req.Temperature = &t
	}

	attempts := 0
	var lastErr *Error
	for i, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "llm: invoke cancelled")
		}

		log := zap.L().With(
			zap.String("provider", p.Name()),
			zap.String("model", p.Model()),
			zap.String("stage", req.Stage),
		)

		breaker := g.opts.Breakers.Get(p.Name())
		if err := breaker.Allow(); err != nil {
			lastErr = &Error{Kind: ProviderUnavailable, Provider: p.Name(), Err: err}
			log.Warn("llm: provider circuit open, skipping")
			continue
		}

		comp, n, err := g.callWithRetry(ctx, p, req, breaker)
		attempts += n
		if err == nil {
			resp := &Response{
				Text:         comp.Text,
				Provider:     p.Name(),
				Model:        comp.Model,
				InputTokens:  comp.InputTokens,
				OutputTokens: comp.OutputTokens,
				Cost:         g.opts.Calculator.Tokens(p.Name(), comp.Model, comp.InputTokens, comp.OutputTokens),
				Attempts:     attempts,
				FailedOver:   i > 0,
			}
			g.record(p.Name(), resp, nil)
			log.Debug("llm: call complete",
				zap.Int("input_tokens", resp.InputTokens),
				zap.Int("output_tokens", resp.OutputTokens),
				zap.Float64("cost_usd", resp.Cost),
				zap.Int("attempts", attempts),
			)
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "llm: invoke cancelled")
		}

		lastErr = classify(p.Name(), err)
		g.record(p.Name(), nil, lastErr)
		if lastErr.Kind == InvalidResponse {
			return nil, lastErr
		}
		if i+1 < len(g.providers) {
			log.Warn("llm: failing over to next provider",
				zap.String("kind", string(lastErr.Kind)),
				zap.String("next", g.providers[i+1].Name()),
				zap.Error(lastErr.Err),
			)
		}
	}
	return nil, lastErr
}

// callWithRetry runs the bounded retry loop against one provider. It
// returns the number of calls made.
func (g *Gateway) callWithRetry(ctx context.Context, p Provider, req Request, breaker *resilience.CircuitBreaker) (*Completion, int, error) {
	cfg := g.opts.Retry
	cfg.ShouldRetry = func(err error) bool {
		var e *Error
		return errors.As(err, &e) && e.retryable()
	}
	cfg.OnRetry = resilience.RetryLogger("llm", p.Name()+" "+req.Stage)

	calls := 0
	comp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Completion, error) {
		calls++
		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()

		comp, err := p.Complete(callCtx, req)
		if err != nil {
			typed := classify(p.Name(), err)
			if typed.Kind != InvalidResponse {
				breaker.Record(typed)
			}
			return nil, typed
		}
		breaker.Record(nil)
		return comp, nil
	})
	return comp, calls, err
}

func (g *Gateway) record(provider string, resp *Response, err *Error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.totals[provider]
	if !ok {
		t = &ProviderTotals{}
		g.totals[provider] = t
	}
	if err != nil {
		t.Failures++
		return
	}
	t.Calls++
	t.InputTokens += resp.InputTokens
	t.OutputTokens += resp.OutputTokens
	t.Cost += resp.Cost
}

// Totals returns a copy of per-provider usage since start.
func (g *Gateway) Totals() map[string]ProviderTotals {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]ProviderTotals, len(g.totals))
	for k, v := range g.totals {
		out[k] = *v
	}
	return out
}

// BreakerStates exposes provider circuit states for status reporting.
func (g *Gateway) BreakerStates() map[string]string {
	states := g.opts.Breakers.States()
	out := make(map[string]string, len(states))
	for k, v := range states {
		out[k] = v.String()
	}
	return out
}
