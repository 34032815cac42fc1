// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package lock

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// AdvisoryManager implements Manager with session-scoped PostgreSQL
// advisory locks. The lock key is hashed to the 64-bit advisory key space.
// Advisory locks have no server-side TTL; the heartbeat only refreshes the
// tracked expiry, since the lock is dropped when the session ends.
type AdvisoryManager struct {
	log    *zap.Logger
	pool   *pgxpool.Pool
	owner  string
	config Config

	mu   sync.Mutex
	held map[string]heldAdvisory
}

type heldAdvisory struct {
	lockID int64
	conn   *pgxpool.Conn
}

var _ Manager = (*AdvisoryManager)(nil)

// NewAdvisoryManager creates an advisory lock manager on pool.
func NewAdvisoryManager(log *zap.Logger, pool *pgxpool.Pool, config Config) *AdvisoryManager {
	config.fill()
	return &AdvisoryManager{
		log:    log,
		pool:   pool,
		owner:  DefaultOwner(),
		config: config,
		held:   map[string]heldAdvisory{},
	}
}

// KeyID maps a lock key to its 64-bit advisory lock id.
func KeyID(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(key))
	return int64(hasher.Sum64())
}

// Acquire try-acquires the advisory lock for key without blocking. The
// backing connection is pinned until Release so the session holding the
// lock stays alive.
func (manager *AdvisoryManager) Acquire(ctx context.Context, key string) (_ *Lock, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	defer manager.mu.Unlock()

	if _, ok := manager.held[key]; ok {
		return nil, ErrHeld.New("%s already held by this process", key)
	}

	lockID := KeyID(key)
	conn, err := manager.pool.Acquire(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, Error.New("acquire advisory lock %d: %w", lockID, err)
	}
	if !acquired {
		conn.Release()
		return nil, ErrHeld.New("%s held in another session", key)
	}

	now := time.Now().UTC()
	lock := &Lock{
		Key:        key,
		ID:         strconv.FormatInt(lockID, 10),
		AcquiredAt: now,
		ExpiresAt:  now.Add(manager.config.TTL),
		Owner:      manager.owner,
	}
	manager.held[key] = heldAdvisory{lockID: lockID, conn: conn}

	manager.log.Debug("advisory lock acquired",
		zap.String("key", key),
		zap.Int64("lock_id", lockID),
		zap.Time("expires_at", lock.ExpiresAt))
	return lock, nil
}

// Release unlocks and unpins the session connection. Releasing a lock this
// process does not hold only warns.
func (manager *AdvisoryManager) Release(ctx context.Context, lock *Lock) (err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	held, ok := manager.held[lock.Key]
	delete(manager.held, lock.Key)
	manager.mu.Unlock()

	if !ok {
		manager.log.Warn("advisory lock not held", zap.String("key", lock.Key))
		return nil
	}
	defer held.conn.Release()

	var released bool
	err = held.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, held.lockID).Scan(&released)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return Error.New("release advisory lock %d: %w", held.lockID, err)
	}
	if !released {
		manager.log.Warn("advisory lock was not held by session",
			zap.Int64("lock_id", held.lockID))
		return nil
	}
	manager.log.Info("advisory lock released",
		zap.String("key", lock.Key),
		zap.Int64("lock_id", held.lockID))
	return nil
}

// Extend refreshes the tracked expiry. The server holds the lock for the
// session lifetime, so only local bookkeeping changes.
func (manager *AdvisoryManager) Extend(ctx context.Context, lock *Lock) error {
	lock.ExpiresAt = time.Now().UTC().Add(manager.config.TTL)
	return nil
}
