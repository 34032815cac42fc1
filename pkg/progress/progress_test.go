// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/progress"
)

func TestWatermarkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewTestStore("")
	watermarks := progress.NewWatermarkStore(zaptest.NewLogger(t), store)

	loaded, err := watermarks.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	last := time.Date(2025, time.May, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, watermarks.Save(ctx, "proddb", "public", "audit_logs", last, "12345"))

	loaded, err = watermarks.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "proddb", loaded.Database)
	assert.Equal(t, "audit_logs", loaded.Table)
	assert.True(t, loaded.LastTimestamp.Equal(last))
	assert.Equal(t, "12345", loaded.LastPrimaryKey)
	assert.False(t, loaded.UpdatedAt.IsZero())

	// a later save overwrites
	next := last.Add(time.Hour)
	require.NoError(t, watermarks.Save(ctx, "proddb", "public", "audit_logs", next, "20000"))
	loaded, err = watermarks.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.True(t, loaded.LastTimestamp.Equal(next))
	assert.Equal(t, "20000", loaded.LastPrimaryKey)
}

func TestWatermarkInvalid(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewTestStore("")
	watermarks := progress.NewWatermarkStore(zaptest.NewLogger(t), store)

	var layout objectstore.Layout
	_, err := store.Upload(ctx, layout.WatermarkKey("db", "public", "t"), []byte("not json"))
	require.NoError(t, err)

	_, err = watermarks.Load(ctx, "db", "public", "t")
	require.Error(t, err)
	assert.True(t, progress.Error.Has(err))
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewTestStore("")
	checkpoints := progress.NewCheckpointStore(zaptest.NewLogger(t), store, 10)

	loaded, err := checkpoints.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	last := time.Date(2025, time.May, 1, 10, 30, 0, 0, time.UTC)
	pk := "98765"
	require.NoError(t, checkpoints.Save(ctx, progress.Checkpoint{
		Database:         "proddb",
		Table:            "audit_logs",
		Schema:           "public",
		BatchNumber:      30,
		LastTimestamp:    &last,
		LastPrimaryKey:   &pk,
		RecordsArchived:  300000,
		BatchesProcessed: 30,
		BatchID:          "0123456789abcdef",
	}))

	loaded, err = checkpoints.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "1.0", loaded.Version)
	assert.Equal(t, int64(30), loaded.BatchNumber)
	require.NotNil(t, loaded.LastTimestamp)
	assert.True(t, loaded.LastTimestamp.Equal(last))
	require.NotNil(t, loaded.LastPrimaryKey)
	assert.Equal(t, pk, *loaded.LastPrimaryKey)
	assert.Equal(t, int64(300000), loaded.RecordsArchived)
	assert.False(t, loaded.CheckpointTime.IsZero())
}

func TestCheckpointDelete(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewTestStore("")
	checkpoints := progress.NewCheckpointStore(zaptest.NewLogger(t), store, 10)

	require.NoError(t, checkpoints.Save(ctx, progress.Checkpoint{
		Database: "db", Schema: "public", Table: "t", BatchNumber: 10,
	}))
	require.NoError(t, checkpoints.Delete(ctx, "db", "public", "t"))

	loaded, err := checkpoints.Load(ctx, "db", "public", "t")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// deleting a checkpoint that does not exist is fine
	require.NoError(t, checkpoints.Delete(ctx, "db", "public", "t"))
}

func TestShouldSave(t *testing.T) {
	checkpoints := progress.NewCheckpointStore(zaptest.NewLogger(t), objectstore.NewTestStore(""), 10)
	assert.False(t, checkpoints.ShouldSave(1))
	assert.False(t, checkpoints.ShouldSave(9))
	assert.True(t, checkpoints.ShouldSave(10))
	assert.False(t, checkpoints.ShouldSave(15))
	assert.True(t, checkpoints.ShouldSave(20))

	// a non-positive interval falls back to the default of ten
	fallback := progress.NewCheckpointStore(zaptest.NewLogger(t), objectstore.NewTestStore(""), 0)
	assert.False(t, fallback.ShouldSave(5))
	assert.True(t, fallback.ShouldSave(10))
}

func TestTrackerSummary(t *testing.T) {
	tracker := progress.NewTracker(zaptest.NewLogger(t))

	stats := tracker.StartTable("proddb", "public", "audit_logs")
	stats.RecordsArchived = 1000
	stats.BatchesProcessed = 2
	tracker.FinishTable(stats, nil)

	failed := tracker.StartTable("proddb", "public", "events")
	tracker.FinishTable(failed, assert.AnError)

	summary := tracker.Summarize()
	assert.Equal(t, 2, summary.Tables)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(1000), summary.RecordsArchived)
}
