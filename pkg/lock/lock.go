// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lock prevents concurrent archival runs on the same target via
// database advisory locks or lock files, kept alive by a heartbeat.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for lock failures.
var Error = errs.Class("lock")

// ErrHeld is returned when the lock is already held by another owner.
var ErrHeld = errs.Class("lock held")

// Lock is a live claim on a key.
type Lock struct {
	Key        string
	ID         string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Owner      string
}

// IsExpired reports whether the claim has passed its TTL.
func (lock *Lock) IsExpired(now time.Time) bool {
	return !now.Before(lock.ExpiresAt)
}

// TimeUntilExpiry returns the remaining TTL, negative once expired.
func (lock *Lock) TimeUntilExpiry(now time.Time) time.Duration {
	return lock.ExpiresAt.Sub(now)
}

// Manager acquires and releases mutually exclusive claims. Release is
// idempotent. Extend pushes the expiry forward by the TTL and is what the
// heartbeat calls.
type Manager interface {
	Acquire(ctx context.Context, key string) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
	Extend(ctx context.Context, lock *Lock) error
}

// Config configures locking.
type Config struct {
	Type              string        `yaml:"type"`
	TTL               time.Duration `yaml:"ttl_seconds"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval_seconds"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Type:              "postgresql",
		TTL:               time.Hour,
		HeartbeatInterval: 30 * time.Second,
	}
}

func (config *Config) fill() {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
}

// DefaultOwner returns a stable per-process identity.
func DefaultOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("archiver_%s_%d", hostname, os.Getpid())
}
