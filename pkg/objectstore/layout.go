// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"fmt"
	"strings"
	"time"
)

// Layout builds the store-relative keys of the stable external contract.
// Changing any of these shapes requires a schema version bump.
type Layout struct{}

func (Layout) tablePrefix(database, schema, table string) string {
	return fmt.Sprintf("%s/%s.%s", database, schema, table)
}

func (l Layout) datePartition(database, schema, table string, when time.Time) string {
	when = when.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d",
		l.tablePrefix(database, schema, table), when.Year(), int(when.Month()), when.Day())
}

// ArchiveKey returns the key of a batch's gzip JSONL archive object.
func (l Layout) ArchiveKey(database, schema, table, batchID string, when time.Time) string {
	return fmt.Sprintf("%s/%s.jsonl.gz", l.datePartition(database, schema, table, when), batchID)
}

// MetadataKey returns the key of a batch's metadata sidecar.
func (l Layout) MetadataKey(database, schema, table, batchID string, when time.Time) string {
	return fmt.Sprintf("%s/%s.metadata.json", l.datePartition(database, schema, table, when), batchID)
}

// ManifestKey returns the key of a batch's deletion manifest.
func (l Layout) ManifestKey(database, schema, table, batchID string, when time.Time) string {
	return fmt.Sprintf("%s/%s.manifest.json", l.datePartition(database, schema, table, when), batchID)
}

// WatermarkKey returns the key of the per-table watermark object.
func (l Layout) WatermarkKey(database, schema, table string) string {
	return l.tablePrefix(database, schema, table) + "/watermark.json"
}

// SchemaKey returns the key of the per-table schema snapshot, used for
// drift detection across runs.
func (l Layout) SchemaKey(database, schema, table string) string {
	return l.tablePrefix(database, schema, table) + "/schema.json"
}

// CheckpointKey returns the key of the per-table checkpoint object.
func (l Layout) CheckpointKey(database, schema, table string) string {
	return fmt.Sprintf("%s/checkpoints/%s_%s.checkpoint.json",
		l.tablePrefix(database, schema, table), database, table)
}

// TableDataPrefix returns the prefix under which a table's archive objects
// live, for listing.
func (l Layout) TableDataPrefix(database, schema, table string) string {
	return l.tablePrefix(database, schema, table) + "/"
}

// JoinPrefix joins a configured store prefix with a store-relative key.
func JoinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
