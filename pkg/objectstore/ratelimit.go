// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket guarding object store requests. Capacity is
// twice the refill rate, so short bursts ride through without throttling
// sustained load.
type RateLimiter struct {
	log *zap.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	base    rate.Limit
}

// NewRateLimiter creates a limiter refilling at rps tokens per second with
// capacity 2*rps.
func NewRateLimiter(log *zap.Logger, rps float64) *RateLimiter {
	burst := int(math.Ceil(2 * rps))
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		base:    rate.Limit(rps),
	}
}

// Acquire takes n tokens. When wait is set it blocks until tokens are
// available or ctx is done; otherwise it reports whether the tokens were
// immediately available.
func (r *RateLimiter) Acquire(ctx context.Context, n int, wait bool) (bool, error) {
	r.mu.Lock()
	limiter := r.limiter
	r.mu.Unlock()

	if !wait {
		return limiter.AllowN(time.Now(), n), nil
	}
	if err := limiter.WaitN(ctx, n); err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Slowdown halves the refill rate in response to an explicit slowdown signal
// from the store and waits out the store's retry-after hint, when it sent
// one, before the next request is attempted.
func (r *RateLimiter) Slowdown(ctx context.Context, retryAfter time.Duration) error {
	r.mu.Lock()
	current := r.limiter.Limit()
	halved := current / 2
	if halved < rate.Limit(0.1) {
		halved = rate.Limit(0.1)
	}
	r.limiter.SetLimit(halved)
	r.mu.Unlock()

	r.log.Warn("object store requested slowdown, halving request rate",
		zap.Float64("previous_rps", float64(current)),
		zap.Float64("rps", float64(halved)),
		zap.Duration("retry_after", retryAfter))

	if retryAfter <= 0 {
		return nil
	}
	timer := time.NewTimer(retryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Reset restores the configured refill rate.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(r.base)
}

// Rate returns the current refill rate in tokens per second.
func (r *RateLimiter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.limiter.Limit())
}
