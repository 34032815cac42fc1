// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objectstore provides the S3-compatible client used for archive
// objects, with bounded retry, rate limiting and resumable multipart
// uploads.
package objectstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the class for object store failures.
	Error = errs.Class("object store")
	// ErrNotFound is returned when a requested object does not exist.
	ErrNotFound = errs.Class("object not found")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// UploadInfo describes a completed upload.
type UploadInfo struct {
	Bucket string
	Key    string
	Size   int64
}

// Client is the capability set the archiver needs from an object store.
// Keys passed in are store-relative; implementations join them with the
// configured prefix and return the full resolved key.
type Client interface {
	// Upload stores data at key.
	Upload(ctx context.Context, key string, data []byte) (UploadInfo, error)
	// UploadFile stores the file at path under key, switching to a
	// journaled multipart upload for large files.
	UploadFile(ctx context.Context, path, key string) (UploadInfo, error)
	// ObjectExists reports whether key exists.
	ObjectExists(ctx context.Context, key string) (bool, error)
	// GetObjectBytes downloads the full object at key.
	GetObjectBytes(ctx context.Context, key string) ([]byte, error)
	// HeadObject returns object metadata without the body.
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
	// ListObjects returns objects under the store-relative prefix.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// DeleteObject removes the object at key. Missing objects are not an
	// error.
	DeleteObject(ctx context.Context, key string) error
	// CleanupStaleUploads aborts multipart uploads under the store-relative
	// prefix initiated more than olderThan ago.
	CleanupStaleUploads(ctx context.Context, prefix string, olderThan time.Duration) (found, aborted int, err error)
}

// Config configures the S3 client.
type Config struct {
	Bucket       string
	Region       string
	Prefix       string
	Endpoint     string
	StorageClass string
	AccessKeyID  string
	SecretKey    string

	RequestsPerSecond float64
	Retry             RetryConfig
	Multipart         MultipartConfig
}
