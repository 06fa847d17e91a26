// Package ratelimit throttles outbound CRM API calls. The remote allows a
// small number of requests per second per account and answers bursts with
// 429s, so every API session shares a sliding-window budget keyed by
// subdomain.
package ratelimit

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/redis"
)

const (
	// DefaultLimit is the number of requests allowed per window. The remote
	// CRM enforces roughly seven requests per second per account.
	DefaultLimit = 7

	// DefaultWindow is the sliding window size
	DefaultWindow = time.Second

	// DefaultMaxWait bounds how long a caller blocks waiting for a slot
	DefaultMaxWait = 5 * time.Second
)

// Limiter provides a per-key request budget backed by Redis so every process
// sharing the Redis instance counts against the same budget.
type Limiter struct {
	limiter *redis.RateLimiter
	logger  ectologger.Logger
	limit   int64
	window  time.Duration
	maxWait time.Duration
}

// New creates a limiter with the default CRM budget.
func New(client *redis.Client, logger ectologger.Logger) *Limiter {
	return &Limiter{
		limiter: redis.NewRateLimiter(client, "clover:ratelimit:"),
		logger:  logger,
		limit:   DefaultLimit,
		window:  DefaultWindow,
		maxWait: DefaultMaxWait,
	}
}

// Wait blocks until a request slot is available, the wait budget is spent or
// the context is done. Redis failures allow the request through; the limiter
// protects the remote, it is not a correctness dependency.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	deadline := time.Now().Add(l.maxWait)

	for {
		result, err := l.limiter.Allow(ctx, key, l.limit, l.window)
		if err != nil {
			l.logger.WithContext(ctx).WithError(err).Warnf("Rate limit check for %q failed; allowing request", key)
			return nil
		}
		if result.Allowed {
			return nil
		}

		retryIn := result.RetryIn
		if retryIn <= 0 {
			retryIn = 50 * time.Millisecond
		}
		if time.Now().Add(retryIn).After(deadline) {
			return redis.ErrRateLimitExceeded
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
		}
	}
}

// Backoff blocks the key for the remote's requested cool-off, typically taken
// from a 429 Retry-After header.
func (l *Limiter) Backoff(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	l.logger.WithContext(ctx).Warnf("Backing off CRM calls for %q for %s", key, d)
	return l.limiter.BlockFor(ctx, key, d)
}
