// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package progress

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/objectstore"
)

// checkpointVersion is the wire format version of stored checkpoints.
const checkpointVersion = "1.0"

// Checkpoint is the resumable state of an interrupted run. The wire form
// round-trips losslessly; primary keys travel as strings.
type Checkpoint struct {
	Version          string     `json:"version"`
	Database         string     `json:"database"`
	Table            string     `json:"table"`
	Schema           string     `json:"schema"`
	BatchNumber      int64      `json:"batch_number"`
	LastTimestamp    *time.Time `json:"last_timestamp"`
	LastPrimaryKey   *string    `json:"last_primary_key"`
	RecordsArchived  int64      `json:"records_archived"`
	BatchesProcessed int64      `json:"batches_processed"`
	CheckpointTime   time.Time  `json:"checkpoint_time"`
	BatchID          string     `json:"batch_id,omitempty"`
}

// CheckpointStore persists checkpoints on the object store every interval
// batches. Checkpoints are deleted after a run completes successfully.
type CheckpointStore struct {
	log      *zap.Logger
	store    objectstore.Client
	layout   objectstore.Layout
	interval int64
}

// NewCheckpointStore creates a checkpoint store saving every interval
// batches (default 10).
func NewCheckpointStore(log *zap.Logger, store objectstore.Client, interval int64) *CheckpointStore {
	if interval <= 0 {
		interval = 10
	}
	return &CheckpointStore{log: log, store: store, interval: interval}
}

// ShouldSave reports whether batchNumber lands on the checkpoint interval.
func (cs *CheckpointStore) ShouldSave(batchNumber int64) bool {
	return batchNumber%cs.interval == 0
}

// Save persists the checkpoint.
func (cs *CheckpointStore) Save(ctx context.Context, checkpoint Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	checkpoint.Version = checkpointVersion
	if checkpoint.CheckpointTime.IsZero() {
		checkpoint.CheckpointTime = time.Now().UTC()
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}

	key := cs.layout.CheckpointKey(checkpoint.Database, checkpoint.Schema, checkpoint.Table)
	if _, err := cs.store.Upload(ctx, key, data); err != nil {
		return Error.Wrap(err)
	}
	cs.log.Debug("checkpoint saved",
		zap.String("database", checkpoint.Database),
		zap.String("table", checkpoint.Table),
		zap.Int64("batch_number", checkpoint.BatchNumber))
	return nil
}

// Load returns the latest checkpoint for the table, or nil when absent.
func (cs *CheckpointStore) Load(ctx context.Context, database, schema, table string) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	key := cs.layout.CheckpointKey(database, schema, table)
	data, err := cs.store.GetObjectBytes(ctx, key)
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, Error.New("invalid checkpoint at %s: %w", key, err)
	}
	cs.log.Info("checkpoint loaded",
		zap.String("database", database),
		zap.String("table", table),
		zap.Int64("batch_number", checkpoint.BatchNumber))
	return &checkpoint, nil
}

// Delete removes the table's checkpoint after successful completion.
// A missing checkpoint is not an error.
func (cs *CheckpointStore) Delete(ctx context.Context, database, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	key := cs.layout.CheckpointKey(database, schema, table)
	if err := cs.store.DeleteObject(ctx, key); err != nil {
		return Error.Wrap(err)
	}
	cs.log.Debug("checkpoint deleted",
		zap.String("database", database),
		zap.String("table", table))
	return nil
}
