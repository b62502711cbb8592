package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sells-group/safety-monitor/internal/resilience"
)

// Kind classifies a provider failure.
type Kind string

// Failure kinds surfaced by the gateway.
const (
	RateLimited         Kind = "rate_limited"
	Timeout             Kind = "timeout"
	InvalidResponse     Kind = "invalid_response"
	ProviderUnavailable Kind = "provider_unavailable"
)

// Error is the only error type the gateway returns for provider failures.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return "llm " + e.Provider + " " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// retryable reports whether another attempt against the same provider may
// succeed.
func (e *Error) retryable() bool {
	return e.Kind != InvalidResponse
}

// httpStatusError is implemented by the provider client error types.
type httpStatusError interface {
	HTTPStatus() int
}

type retryAfterError interface {
	RetryAfterDuration() time.Duration
}

// classify maps a raw provider error onto the gateway taxonomy.
func classify(provider string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	wrap := func(kind Kind) *Error { return &Error{Kind: kind, Provider: provider, Err: err} }

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(Timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(Timeout)
	}

	var se httpStatusError
	if errors.As(err, &se) {
		status := se.HTTPStatus()
		switch {
		case status == http.StatusTooManyRequests:
			e := wrap(RateLimited)
			var ra retryAfterError
			if errors.As(err, &ra) && ra.RetryAfterDuration() > 0 {
				// resilience.DoVal honours RetryAfter found in the chain.
				e.Err = &resilience.TransientError{Err: err, StatusCode: status, RetryAfter: ra.RetryAfterDuration()}
			}
			return e
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return wrap(Timeout)
		case status >= 500 || status == http.StatusUnauthorized || status == http.StatusForbidden:
			return wrap(ProviderUnavailable)
		default:
			return wrap(InvalidResponse)
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return wrap(Timeout)
	}
	return wrap(ProviderUnavailable)
}
