// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// lockRecord is the on-disk form of a file lock.
type lockRecord struct {
	LockKey    string    `json:"lock_key"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Owner      string    `json:"owner"`
}

// FileManager implements Manager with JSON lock files in a directory.
// A preexisting file whose expiry has passed is stale and gets replaced.
type FileManager struct {
	log    *zap.Logger
	dir    string
	owner  string
	config Config

	mu   sync.Mutex
	held map[string]*Lock
}

var _ Manager = (*FileManager)(nil)

// NewFileManager creates a file-based lock manager rooted at dir.
func NewFileManager(log *zap.Logger, dir string, config Config) *FileManager {
	config.fill()
	return &FileManager{
		log:    log,
		dir:    dir,
		owner:  DefaultOwner(),
		config: config,
		held:   map[string]*Lock{},
	}
}

func (manager *FileManager) path(key string) string {
	return filepath.Join(manager.dir, key+".lock")
}

// Acquire claims key with an exclusive create, taking over stale or
// unreadable lock files.
func (manager *FileManager) Acquire(ctx context.Context, key string) (_ *Lock, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	defer manager.mu.Unlock()

	if _, ok := manager.held[key]; ok {
		return nil, ErrHeld.New("%s already held by this process", key)
	}

	if err := os.MkdirAll(manager.dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}

	path := manager.path(key)
	for attempt := 0; attempt < 2; attempt++ {
		lock, err := manager.create(path, key)
		if err == nil {
			manager.held[key] = lock
			manager.log.Info("file lock acquired",
				zap.String("key", key),
				zap.String("path", path),
				zap.Time("expires_at", lock.ExpiresAt))
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, Error.Wrap(err)
		}

		existing, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// released between the create and the read, try again
				continue
			}
			return nil, Error.Wrap(readErr)
		}
		var record lockRecord
		if err := json.Unmarshal(existing, &record); err != nil {
			manager.log.Warn("removing invalid lock file",
				zap.String("path", path), zap.Error(err))
		} else if time.Now().Before(record.ExpiresAt) {
			return nil, ErrHeld.New("%s held by %s until %s",
				key, record.Owner, record.ExpiresAt.Format(time.RFC3339))
		} else {
			manager.log.Warn("removing stale lock file",
				zap.String("path", path),
				zap.Time("expired_at", record.ExpiresAt))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, Error.Wrap(err)
		}
	}
	return nil, ErrHeld.New("%s is contended", key)
}

// create exclusively creates the lock file; os.IsExist errors mean another
// holder got there first.
func (manager *FileManager) create(path, key string) (*Lock, error) {
	now := time.Now().UTC()
	lock := &Lock{
		Key:        key,
		ID:         key,
		AcquiredAt: now,
		ExpiresAt:  now.Add(manager.config.TTL),
		Owner:      manager.owner,
	}
	data, err := json.MarshalIndent(lockRecord{
		LockKey:    lock.Key,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
		Owner:      lock.Owner,
	}, "", "  ")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, Error.Wrap(err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return nil, Error.Wrap(err)
	}
	return lock, nil
}

// Release removes the lock file. Releasing an absent lock only warns.
func (manager *FileManager) Release(ctx context.Context, lock *Lock) (err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	defer manager.mu.Unlock()
	delete(manager.held, lock.Key)

	path := manager.path(lock.Key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			manager.log.Warn("lock file already removed", zap.String("path", path))
			return nil
		}
		return Error.Wrap(err)
	}
	manager.log.Info("file lock released", zap.String("key", lock.Key))
	return nil
}

// Extend pushes the lock's expiry forward and rewrites the lock file.
func (manager *FileManager) Extend(ctx context.Context, lock *Lock) (err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	defer manager.mu.Unlock()

	path := manager.path(lock.Key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		manager.log.Warn("lock file missing during heartbeat", zap.String("key", lock.Key))
		return nil
	}
	lock.ExpiresAt = time.Now().UTC().Add(manager.config.TTL)
	return manager.write(path, lock)
}

func (manager *FileManager) write(path string, lock *Lock) error {
	data, err := json.MarshalIndent(lockRecord{
		LockKey:    lock.Key,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
		Owner:      lock.Owner,
	}, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(path, data, 0o644))
}
