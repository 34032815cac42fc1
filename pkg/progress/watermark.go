// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package progress persists archival progress: the per-table watermark,
// crash-resumable checkpoints, and run statistics.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the class for progress persistence failures.
	Error = errs.Class("progress")
)

// Watermark records how far a table has been archived. It is the only
// overwrite-only artifact in the store; primary keys are stringified so the
// shape is stable across key types.
type Watermark struct {
	Database       string    `json:"database"`
	Table          string    `json:"table"`
	LastTimestamp  time.Time `json:"last_timestamp"`
	LastPrimaryKey string    `json:"last_primary_key"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WatermarkStore loads and saves per-table watermarks on the object store.
type WatermarkStore struct {
	log    *zap.Logger
	store  objectstore.Client
	layout objectstore.Layout
}

// NewWatermarkStore creates a watermark store.
func NewWatermarkStore(log *zap.Logger, store objectstore.Client) *WatermarkStore {
	return &WatermarkStore{log: log, store: store}
}

// Load returns the table's watermark, or nil when none exists yet.
func (ws *WatermarkStore) Load(ctx context.Context, database, schema, table string) (_ *Watermark, err error) {
	defer mon.Task()(&ctx)(&err)

	key := ws.layout.WatermarkKey(database, schema, table)
	data, err := ws.store.GetObjectBytes(ctx, key)
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			ws.log.Debug("no watermark, first run",
				zap.String("database", database),
				zap.String("table", table))
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var watermark Watermark
	if err := json.Unmarshal(data, &watermark); err != nil {
		return nil, Error.New("invalid watermark at %s: %w", key, err)
	}
	return &watermark, nil
}

// Save overwrites the table's watermark.
func (ws *WatermarkStore) Save(ctx context.Context, database, schema, table string, lastTimestamp time.Time, lastPrimaryKey string) (err error) {
	defer mon.Task()(&ctx)(&err)

	watermark := Watermark{
		Database:       database,
		Table:          table,
		LastTimestamp:  lastTimestamp.UTC(),
		LastPrimaryKey: lastPrimaryKey,
		UpdatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(watermark, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}

	key := ws.layout.WatermarkKey(database, schema, table)
	if _, err := ws.store.Upload(ctx, key, data); err != nil {
		return Error.Wrap(err)
	}
	ws.log.Debug("watermark saved",
		zap.String("database", database),
		zap.String("table", table),
		zap.Time("last_timestamp", watermark.LastTimestamp),
		zap.String("last_primary_key", lastPrimaryKey))
	return nil
}
