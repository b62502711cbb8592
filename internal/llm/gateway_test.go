package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safety-monitor/internal/cost"
	"github.com/sells-group/safety-monitor/internal/resilience"
	"github.com/sells-group/safety-monitor/pkg/openai"
)

type fakeProvider struct {
	name  string
	model string

	mu    sync.Mutex
	calls int
	reqs  []Request
	// errs is consumed one per call; after it is exhausted the provider succeeds.
	errs []error
	text string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Model() string { return f.model }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &Completion{Text: f.text, Model: f.model, InputTokens: 1000, OutputTokens: 500}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

type statusErr struct{ status int }

func (e statusErr) Error() string { return "status " + http.StatusText(e.status) }
func (e statusErr) HTTPStatus() int { return e.status }

func testOptions() Options {
	return Options{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Backoff:     resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		},
		Breakers: resilience.NewBreakers(resilience.NewCircuitBreakerConfig(100, 60)),
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(testOptions())
	assert.Error(t, err)
}

func TestInvoke_PrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: cost.ProviderClaude, model: "claude-sonnet-4-5-20250929", text: `{"ok":true}`}
	fallback := &fakeProvider{name: cost.ProviderOpenAI, model: "gpt-4o"}

	g, err := New(testOptions(), primary, fallback)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), Request{Stage: "classify", Prompt: "p"})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, cost.ProviderClaude, resp.Provider)
	assert.Equal(t, "claude-sonnet-4-5-20250929", resp.Model)
	assert.Equal(t, 1, resp.Attempts)
	assert.False(t, resp.FailedOver)
	// 1000 in @ $3/M + 500 out @ $15/M
	assert.InDelta(t, 0.0105, resp.Cost, 1e-9)
	assert.Equal(t, 0, fallback.callCount())

	// Defaults are filled in.
	require.Len(t, primary.reqs, 1)
	assert.Equal(t, int64(4096), primary.reqs[0].MaxTokens)
	require.NotNil(t, primary.reqs[0].Temperature)

	usage := resp.Usage()
	assert.Equal(t, 1000, usage.InputTokens)
	assert.Equal(t, 500, usage.OutputTokens)
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	primary := &fakeProvider{
		name:  cost.ProviderClaude,
		model: "m",
		text:  "ok",
		errs:  []error{statusErr{http.StatusServiceUnavailable}, context.DeadlineExceeded},
	}
	g, err := New(testOptions(), primary)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), Request{Stage: "extract"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 3, primary.callCount())
}

func TestInvoke_RateLimitedEveryAttemptFailsOver(t *testing.T) {
	primary := &fakeProvider{
		name:  cost.ProviderClaude,
		model: "claude-sonnet-4-5-20250929",
		errs:  repeat(statusErr{http.StatusTooManyRequests}, 3),
	}
	fallback := &fakeProvider{name: cost.ProviderOpenAI, model: "gpt-4o", text: "{}"}

	g, err := New(testOptions(), primary, fallback)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), Request{Stage: "synthesize"})
	require.NoError(t, err)

	assert.Equal(t, cost.ProviderOpenAI, resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.True(t, resp.FailedOver)
	assert.Equal(t, 4, resp.Attempts)
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())

	totals := g.Totals()
	assert.Equal(t, 1, totals[cost.ProviderClaude].Failures)
	assert.Equal(t, 1, totals[cost.ProviderOpenAI].Calls)
}

func TestInvoke_InvalidResponseDoesNotFailOver(t *testing.T) {
	primary := &fakeProvider{
		name:  cost.ProviderClaude,
		model: "m",
		errs:  []error{statusErr{http.StatusBadRequest}},
	}
	fallback := &fakeProvider{name: cost.ProviderOpenAI, model: "gpt-4o", text: "{}"}

	g, err := New(testOptions(), primary, fallback)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), Request{Stage: "classify"})
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidResponse))
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
}

func TestInvoke_AllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: cost.ProviderClaude, model: "m", errs: repeat(statusErr{http.StatusBadGateway}, 3)}
	fallback := &fakeProvider{name: cost.ProviderOpenAI, model: "gpt-4o", errs: repeat(statusErr{http.StatusTooManyRequests}, 3)}

	g, err := New(testOptions(), primary, fallback)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), Request{Stage: "classify"})
	require.Error(t, err)

	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, RateLimited, llmErr.Kind)
	assert.Equal(t, cost.ProviderOpenAI, llmErr.Provider)
}

func TestInvoke_OpenCircuitSkipsProvider(t *testing.T) {
	opts := testOptions()
	opts.Breakers = resilience.NewBreakers(resilience.NewCircuitBreakerConfig(2, 60))

	primary := &fakeProvider{name: cost.ProviderClaude, model: "m", errs: repeat(statusErr{http.StatusInternalServerError}, 3)}
	fallback := &fakeProvider{name: cost.ProviderOpenAI, model: "gpt-4o", text: "{}"}

	g, err := New(opts, primary, fallback)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), Request{Stage: "classify"})
	require.NoError(t, err)
	assert.Equal(t, "open", g.BreakerStates()[cost.ProviderClaude])

	resp, err := g.Invoke(context.Background(), Request{Stage: "extract"})
	require.NoError(t, err)
	assert.Equal(t, cost.ProviderOpenAI, resp.Provider)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 3, primary.callCount())
}

func TestInvoke_ContextCancelled(t *testing.T) {
	primary := &fakeProvider{name: cost.ProviderClaude, model: "m", text: "ok"}
	g, err := New(testOptions(), primary)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.Invoke(ctx, Request{Stage: "classify"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, primary.callCount())
}

func TestInvoke_OpenAIProviderOverHTTP(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{\"is_healthcare\":true}"}}],"usage":{"prompt_tokens":100,"completion_tokens":20}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(openai.NewClient("k", openai.WithBaseURL(srv.URL)), "gpt-4o-mini")
	g, err := New(testOptions(), p)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), Request{Stage: "classify", System: "s", Prompt: "p", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"is_healthcare":true}`, resp.Text)
	assert.Equal(t, cost.ProviderOpenAI, resp.Provider)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 100, resp.InputTokens)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: Timeout},
		{name: "429", err: statusErr{http.StatusTooManyRequests}, want: RateLimited},
		{name: "504", err: statusErr{http.StatusGatewayTimeout}, want: Timeout},
		{name: "500", err: statusErr{http.StatusInternalServerError}, want: ProviderUnavailable},
		{name: "401", err: statusErr{http.StatusUnauthorized}, want: ProviderUnavailable},
		{name: "400", err: statusErr{http.StatusBadRequest}, want: InvalidResponse},
		{name: "timeout text", err: errors.New("dial tcp: i/o timeout"), want: Timeout},
		{name: "other", err: errors.New("connection refused"), want: ProviderUnavailable},
		{name: "typed", err: &Error{Kind: InvalidResponse, Err: errors.New("x")}, want: InvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify("p", tt.err).Kind)
		})
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	apiErr := &openai.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}
	e := classify(cost.ProviderOpenAI, apiErr)
	require.Equal(t, RateLimited, e.Kind)

	var te *resilience.TransientError
	require.True(t, errors.As(e, &te))
	assert.Equal(t, 3*time.Second, te.RetryAfter)
	assert.ErrorIs(t, e, apiErr)
}
