// ratelimit.go implements the shared request budget for the Polymarket APIs.
//
// All exchange I/O passes through one token bucket (default 60 requests per
// minute) that refills continuously rather than in window bursts. On top of
// the bucket sits throttle backoff: when the exchange responds 429, every
// subsequent acquire waits out an exponential delay (base 1s, cap 60s,
// ±20% jitter). The backoff multiplier is sticky — it resets only after
// three consecutive successful requests, so a single lucky call cannot
// collapse the delay while the venue is still shedding load.
package exchange

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled. The lock is never held across a sleep.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

const (
	backoffBase   = time.Second
	backoffMax    = 60 * time.Second
	backoffJitter = 0.2 // ±20%
	resetAfter    = 3   // consecutive successes that clear the multiplier
)

// Limiter is the single chokepoint every exchange request passes through.
// Acquire blocks for a bucket token and for any active throttle backoff;
// callers report each request's outcome so the backoff state tracks what
// the venue is actually doing.
type Limiter struct {
	bucket *TokenBucket
	logger *slog.Logger

	mu           sync.Mutex
	throttles    int       // consecutive 429s, drives the multiplier
	successes    int       // consecutive successes since the last 429
	backoffUntil time.Time // no requests before this instant
}

// NewLimiter builds a limiter from a per-minute budget.
func NewLimiter(requestsPerMinute, burst int, logger *slog.Logger) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		bucket: NewTokenBucket(float64(burst), float64(requestsPerMinute)/60.0),
		logger: logger,
	}
}

// Acquire blocks until the caller may issue one request: first waiting out
// any throttle backoff, then taking a bucket token. Returns ctx.Err() if the
// context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.backoffUntil)
		l.mu.Unlock()
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return l.bucket.Wait(ctx)
}

// ReportSuccess records a non-throttled response. After resetAfter
// consecutive successes the backoff multiplier clears.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.throttles == 0 {
		return
	}
	l.successes++
	if l.successes >= resetAfter {
		l.throttles = 0
		l.successes = 0
	}
}

// ReportThrottle records a 429 and schedules the next backoff window.
func (l *Limiter) ReportThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0
	l.throttles++

	d := backoffBase << (l.throttles - 1)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	// Jitter within ±20% so synchronized clients do not stampede.
	factor := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	d = time.Duration(float64(d) * factor)

	l.backoffUntil = time.Now().Add(d)
	l.logger.Warn("exchange throttled, backing off",
		"delay", d.Round(time.Millisecond), "consecutive", l.throttles)
}

// backoffActive reports whether a throttle window is currently in force.
func (l *Limiter) backoffActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.backoffUntil)
}
