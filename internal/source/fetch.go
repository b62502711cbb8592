package source

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/resilience"
)

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	UserAgent    string
	Timeout      time.Duration
	Delay        time.Duration
	MaxBodyBytes int64
	Retry        resilience.RetryConfig
	Client       *http.Client
}

// Fetcher issues rate-limited GET requests with bounded retry. Each source
// adapter owns one so that request spacing is per site.
type Fetcher struct {
	client    *http.Client
	limiter   *resilience.Limiter
	retry     resilience.RetryConfig
	userAgent string
	maxBody   int64
}

// NewFetcher creates a Fetcher, applying defaults for zero options.
func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "PatientSafetyMonitor/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 20 << 20
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Fetcher{
		client:    client,
		limiter:   resilience.NewLimiter(opts.Delay),
		retry:     opts.Retry,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
	}
}

// Get fetches rawURL and returns the body. Every attempt waits on the
// limiter; 429, 5xx and network errors are retried.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	cfg := f.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error) {
			zap.L().Warn("source: retrying request",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return f.getOnce(ctx, rawURL)
	})
}

func (f *Fetcher) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "source: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "source: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "source: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "source: read %s", rawURL), 0)
	}
	if int64(len(body)) > f.maxBody {
		return nil, eris.Errorf("source: %s exceeds %d byte limit", rawURL, f.maxBody)
	}

	if kind := detectBlock(resp, body); kind != BlockNone {
		return nil, &BlockedError{URL: rawURL, Kind: kind}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		f.limiter.OnRateLimit()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.StatusError("source: "+rawURL, resp, body)
	}

	f.limiter.OnSuccess()
	return body, nil
}

// Delay returns the current request spacing.
func (f *Fetcher) Delay() time.Duration {
	return f.limiter.Delay()
}
