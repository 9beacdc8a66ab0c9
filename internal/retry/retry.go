// Package retry provides the single retry-with-exponential-backoff utility
// shared by the market-data provider and the order executor.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Policy configures a retry loop. The zero value is not usable; start from
// DefaultPolicy.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier grows the backoff between attempts (initial * multiplier^n).
	Multiplier float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool
	// Observe, when set, is called once per attempt with its outcome and
	// wall-clock duration, before any backoff sleep.
	Observe func(err error, elapsed time.Duration)
}

// DefaultPolicy mirrors the retry behavior used across the broker and
// market-data layers.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// backoffFor returns the delay before attempt n (0-based), with up to 25%
// additive jitter.
func (p Policy) backoffFor(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * mult)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}
	if maxJitter := int64(backoff / 4); maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(j.Int64())
		}
	}
	return backoff
}

// Do runs fn until it succeeds, the error is not retryable, the retry budget
// is exhausted, or ctx is done. RateLimit errors double the next backoff.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}

		start := time.Now()
		v, err := fn()
		if p.Observe != nil {
			p.Observe(err, time.Since(start))
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.retryable(err) || attempt == p.MaxRetries {
			break
		}

		backoff := p.backoffFor(attempt)
		if IsRateLimit(err) {
			backoff *= 2
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry canceled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("giving up after %d attempt(s): %w", p.MaxRetries+1, lastErr)
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"500",
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient classifies network-ish failures that are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsRateLimit detects an explicit rate-limit signal from an upstream API.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429")
}
