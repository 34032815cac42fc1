// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// TestStore is an in-memory Client for tests.
type TestStore struct {
	mu      sync.Mutex
	prefix  string
	objects map[string][]byte
	mtimes  map[string]time.Time
	uploads []StaleUpload

	// UploadHook, when set, can mutate or reject an upload; tests use it to
	// inject corruption and transport failures.
	UploadHook func(key string, data []byte) ([]byte, error)
}

var _ Client = (*TestStore)(nil)

// NewTestStore creates an empty in-memory store.
func NewTestStore(prefix string) *TestStore {
	return &TestStore{
		prefix:  prefix,
		objects: map[string][]byte{},
		mtimes:  map[string]time.Time{},
	}
}

func (store *TestStore) resolve(key string) string {
	return JoinPrefix(store.prefix, key)
}

// Upload stores data at key.
func (store *TestStore) Upload(ctx context.Context, key string, data []byte) (UploadInfo, error) {
	resolved := store.resolve(key)

	if store.UploadHook != nil {
		var err error
		data, err = store.UploadHook(resolved, data)
		if err != nil {
			return UploadInfo{}, err
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	store.objects[resolved] = stored
	store.mtimes[resolved] = time.Now()
	return UploadInfo{Bucket: "test", Key: resolved, Size: int64(len(stored))}, nil
}

// UploadFile stores the file at path under key.
func (store *TestStore) UploadFile(ctx context.Context, path, key string) (UploadInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadInfo{}, Error.Wrap(err)
	}
	return store.Upload(ctx, key, data)
}

// ObjectExists reports whether key exists.
func (store *TestStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.objects[store.resolve(key)]
	return ok, nil
}

// GetObjectBytes downloads the object at key.
func (store *TestStore) GetObjectBytes(ctx context.Context, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	data, ok := store.objects[store.resolve(key)]
	if !ok {
		return nil, ErrNotFound.New("%s", store.resolve(key))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// HeadObject returns object metadata.
func (store *TestStore) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	resolved := store.resolve(key)
	data, ok := store.objects[resolved]
	if !ok {
		return ObjectInfo{}, ErrNotFound.New("%s", resolved)
	}
	return ObjectInfo{Key: resolved, Size: int64(len(data)), LastModified: store.mtimes[resolved]}, nil
}

// ListObjects returns objects under prefix in key order.
func (store *TestStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	resolved := store.resolve(prefix)

	var results []ObjectInfo
	for key, data := range store.objects {
		if strings.HasPrefix(key, resolved) {
			results = append(results, ObjectInfo{Key: key, Size: int64(len(data)), LastModified: store.mtimes[key]})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// DeleteObject removes the object at key.
func (store *TestStore) DeleteObject(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.objects, store.resolve(key))
	return nil
}

// CleanupStaleUploads aborts registered in-flight uploads under prefix
// initiated more than olderThan ago.
func (store *TestStore) CleanupStaleUploads(ctx context.Context, prefix string, olderThan time.Duration) (found, aborted int, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	resolved := store.resolve(prefix)
	threshold := time.Now().Add(-olderThan)

	var kept []StaleUpload
	for _, upload := range store.uploads {
		if strings.HasPrefix(upload.Key, resolved) && upload.Initiated.Before(threshold) {
			found++
			aborted++
			continue
		}
		kept = append(kept, upload)
	}
	store.uploads = kept
	return found, aborted, nil
}

// AddUpload registers an in-flight multipart upload; tests use it to
// simulate uploads orphaned by a crash.
func (store *TestStore) AddUpload(key, uploadID string, initiated time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.uploads = append(store.uploads, StaleUpload{
		Key:       store.resolve(key),
		UploadID:  uploadID,
		Initiated: initiated,
	})
}

// Uploads returns the registered in-flight uploads.
func (store *TestStore) Uploads() []StaleUpload {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]StaleUpload(nil), store.uploads...)
}

// Delete removes an object; tests use it to simulate external mutation.
func (store *TestStore) Delete(key string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.objects, store.resolve(key))
}

// Corrupt flips a byte of the stored object; tests use it to exercise
// checksum verification.
func (store *TestStore) Corrupt(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	data, ok := store.objects[store.resolve(key)]
	if !ok || len(data) == 0 {
		return false
	}
	data[len(data)/2] ^= 0xff
	return true
}

// Len returns the number of stored objects.
func (store *TestStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.objects)
}
