package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter enforces a minimum delay between requests to one source. After a
// 429 the delay doubles (up to 8x the configured value) and decays back on
// subsequent successes.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	base    time.Duration
	current time.Duration
}

// NewLimiter returns a limiter allowing one request per delay. A zero delay
// disables limiting.
func NewLimiter(delay time.Duration) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(every(delay), 1),
		base:    delay,
		current: delay,
	}
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Wait blocks until the next request may proceed.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Delay returns the current spacing between requests.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// OnSuccess relaxes a previously widened delay by 20% toward the base.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current <= l.base {
		return
	}
	next := time.Duration(float64(l.current) * 0.8)
	if next < l.base {
		next = l.base
	}
	l.set(next)
}

// OnRateLimit doubles the delay after a 429.
func (l *Limiter) OnRateLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	floor := l.base
	if floor <= 0 {
		floor = time.Second
	}
	next := l.current * 2
	if next < floor {
		next = floor
	}
	if ceiling := floor * 8; next > ceiling {
		next = ceiling
	}
	l.set(next)
	zap.L().Warn("limiter: widening request delay after 429", zap.Duration("delay", next))
}

func (l *Limiter) set(d time.Duration) {
	l.current = d
	l.limiter.SetLimit(every(d))
}
