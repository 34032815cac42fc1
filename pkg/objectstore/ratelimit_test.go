// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/objectstore"
)

func TestRateLimiterSlowdown(t *testing.T) {
	ctx := context.Background()
	limiter := objectstore.NewRateLimiter(zaptest.NewLogger(t), 100)
	assert.Equal(t, 100.0, limiter.Rate())

	require.NoError(t, limiter.Slowdown(ctx, 0))
	assert.Equal(t, 50.0, limiter.Rate())
	require.NoError(t, limiter.Slowdown(ctx, 0))
	assert.Equal(t, 25.0, limiter.Rate())

	// the rate never drops below the floor
	for i := 0; i < 20; i++ {
		require.NoError(t, limiter.Slowdown(ctx, 0))
	}
	assert.InDelta(t, 0.1, limiter.Rate(), 0.001)

	limiter.Reset()
	assert.Equal(t, 100.0, limiter.Rate())
}

func TestRateLimiterSlowdownRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter := objectstore.NewRateLimiter(zaptest.NewLogger(t), 100)

	// the retry-after hint is waited out before the next request
	start := time.Now()
	require.NoError(t, limiter.Slowdown(ctx, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// cancellation interrupts the wait
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := limiter.Slowdown(canceled, time.Minute)
	require.Error(t, err)
}

func TestRateLimiterAcquire(t *testing.T) {
	ctx := context.Background()
	limiter := objectstore.NewRateLimiter(zaptest.NewLogger(t), 10)

	// burst capacity is 2*rps, available immediately
	ok, err := limiter.Acquire(ctx, 20, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Acquire(ctx, 20, false)
	require.NoError(t, err)
	assert.False(t, ok)

	// waiting acquire respects cancellation
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = limiter.Acquire(canceled, 20, true)
	require.Error(t, err)
}
