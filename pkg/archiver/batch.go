// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package archiver runs the per-table archival pipeline: select, serialize,
// compress, upload, verify, delete, advance.
package archiver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/audit-archiver/pkg/schema"
)

var (
	mon = monkit.Package()

	// Error is the class for archival pipeline failures.
	Error = errs.Class("archiver")
)

// formatVersion is the wire format version of metadata sidecars and
// deletion manifests.
const formatVersion = "1.0"

// BatchID derives the content-addressed batch identifier: the first 16 hex
// characters of sha256("database|table|batch_number"). Re-running the same
// batch produces the same id, making uploads idempotent.
func BatchID(database, table string, batchNumber int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", database, table, batchNumber))
	return hex.EncodeToString(sum[:])[:16]
}

// BatchInfo identifies a batch in metadata sidecars and manifests.
type BatchInfo struct {
	Database    string    `json:"database"`
	Schema      string    `json:"schema"`
	Table       string    `json:"table"`
	BatchNumber int64     `json:"batch_number"`
	BatchID     string    `json:"batch_id"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// DataInfo describes the archived payload.
type DataInfo struct {
	RecordCount           int64   `json:"record_count"`
	UncompressedSizeBytes int64   `json:"uncompressed_size_bytes"`
	CompressedSizeBytes   int64   `json:"compressed_size_bytes"`
	CompressionRatio      float64 `json:"compression_ratio"`
}

// Checksums carries the payload digests at both representations.
type Checksums struct {
	JSONLSHA256      string `json:"jsonl_sha256"`
	CompressedSHA256 string `json:"compressed_sha256"`
}

// PrimaryKeysInfo summarizes the batch's keys in the metadata sidecar; the
// full list lives in the deletion manifest.
type PrimaryKeysInfo struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample"`
}

// TimestampRange is the min and max timestamps of the batch.
type TimestampRange struct {
	Min *time.Time `json:"min"`
	Max *time.Time `json:"max"`
}

// Metadata is the sidecar uploaded next to each archive object. The table
// schema rides along only on the first batch of a run.
type Metadata struct {
	Version        string           `json:"version"`
	BatchInfo      BatchInfo        `json:"batch_info"`
	DataInfo       DataInfo         `json:"data_info"`
	Checksums      Checksums        `json:"checksums"`
	PrimaryKeys    PrimaryKeysInfo  `json:"primary_keys"`
	TimestampRange TimestampRange   `json:"timestamp_range"`
	TableSchema    *schema.Snapshot `json:"table_schema,omitempty"`
}

// Manifest is the deletion manifest: the full list of primary keys removed
// from the source for one batch.
type Manifest struct {
	Version          string    `json:"version"`
	BatchInfo        BatchInfo `json:"batch_info"`
	ExpectedCount    int64     `json:"expected_count"`
	DeletedCount     int64     `json:"deleted_count"`
	PrimaryKeysCount int64     `json:"primary_keys_count"`
	Warning          string    `json:"warning,omitempty"`
	PrimaryKeys      []string  `json:"primary_keys"`
}

// pkSample returns up to limit keys for the metadata sidecar.
func pkSample(pks []string, limit int) []string {
	if len(pks) <= limit {
		return pks
	}
	return pks[:limit]
}
