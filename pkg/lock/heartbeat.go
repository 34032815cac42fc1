// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"storj.io/audit-archiver/internal/sync2"
)

// Heartbeat keeps a held lock alive by extending its expiry on an
// interval. A failed extension is logged and retried on the next tick; the
// loop only exits when an extension finds the lock already expired.
type Heartbeat struct {
	log     *zap.Logger
	manager Manager
	lock    *Lock
	cycle   *sync2.Cycle
}

// NewHeartbeat creates a heartbeat for lock using config's interval.
func NewHeartbeat(log *zap.Logger, manager Manager, target *Lock, config Config) *Heartbeat {
	config.fill()
	return &Heartbeat{
		log:     log,
		manager: manager,
		lock:    target,
		cycle:   sync2.NewCycle(config.HeartbeatInterval),
	}
}

// Run extends the lock until the context is canceled or Stop is called.
func (heartbeat *Heartbeat) Run(ctx context.Context) error {
	err := heartbeat.cycle.Run(ctx, func(ctx context.Context) error {
		if heartbeat.lock.IsExpired(time.Now()) {
			heartbeat.log.Warn("lock expired during heartbeat",
				zap.String("key", heartbeat.lock.Key))
			return Error.New("lock %s expired", heartbeat.lock.Key)
		}
		if err := heartbeat.manager.Extend(ctx, heartbeat.lock); err != nil {
			heartbeat.log.Error("heartbeat extension failed",
				zap.String("key", heartbeat.lock.Key),
				zap.Error(err))
			return nil
		}
		heartbeat.log.Debug("lock heartbeat sent",
			zap.String("key", heartbeat.lock.Key),
			zap.Time("expires_at", heartbeat.lock.ExpiresAt))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the heartbeat and waits for a running extension to finish.
func (heartbeat *Heartbeat) Stop() {
	heartbeat.cycle.Stop()
}
