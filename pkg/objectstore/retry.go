// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds the retry loop around transient object store failures.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase float64 // delay before attempt n is BackoffBase^n seconds
	MaxDelay    time.Duration
}

// DefaultRetryConfig mirrors the production defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BackoffBase: 2,
	MaxDelay:    30 * time.Second,
}

// statusCoder matches smithy transport errors carrying an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// Retryable reports whether an error is worth retrying: network failures
// and 5xx responses except 501, plus 408 and 429. Other 4xx responses fail
// immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var coder statusCoder
	if errors.As(err, &coder) {
		status := coder.HTTPStatusCode()
		switch {
		case status == 408 || status == 429:
			return true
		case status >= 500 && status != 501:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// Delay returns the backoff before the given zero-based attempt:
// base^attempt seconds capped at MaxDelay, with ±10% jitter.
func (config RetryConfig) Delay(attempt int) time.Duration {
	base := config.BackoffBase
	if base <= 1 {
		base = DefaultRetryConfig.BackoffBase
	}
	delay := time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(delay) * jitter)
}

// WithRetry runs fn up to 1+MaxRetries times, sleeping the backoff delay
// between transient failures. Permanent failures surface immediately.
func WithRetry(ctx context.Context, log *zap.Logger, config RetryConfig, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= config.MaxRetries {
			return err
		}

		delay := config.Delay(attempt)
		log.Warn("transient object store failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		}
	}
}
