// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package archiver_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/archiver"
	"storj.io/audit-archiver/pkg/compress"
	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/progress"
	"storj.io/audit-archiver/pkg/rowjson"
	"storj.io/audit-archiver/pkg/schema"
	"storj.io/audit-archiver/pkg/source"
	"storj.io/audit-archiver/pkg/verify"
)

// fakeSource is an in-memory RowSource over rows sorted by (timestamp, id).
type fakeSource struct {
	mu       sync.Mutex
	rows     []rowjson.Row
	vacuumed bool

	// undeletable ids survive DeleteBatch, simulating concurrent writes.
	undeletable map[string]bool
}

var _ archiver.RowSource = (*fakeSource)(nil)

func rowKey(row rowjson.Row) (ts time.Time, id int64) {
	tsValue, _ := row.Get("created_at")
	ts, _ = tsValue.Time()
	pkValue, _ := row.Get("id")
	id, _ = strconv.ParseInt(pkValue.String(), 10, 64)
	return ts, id
}

func (f *fakeSource) CountEligible(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeSource) SelectBatch(ctx context.Context, cursor *source.Cursor, limit int) ([]rowjson.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []rowjson.Row
	for _, row := range f.rows {
		if cursor != nil {
			ts, id := rowKey(row)
			cursorID, _ := strconv.ParseInt(cursor.PrimaryKey.String(), 10, 64)
			if ts.Before(cursor.Timestamp) || (ts.Equal(cursor.Timestamp) && id <= cursorID) {
				continue
			}
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) DeleteBatch(ctx context.Context, pks []rowjson.Value, memoryCount, storeCount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doomed := map[string]bool{}
	for _, pk := range pks {
		doomed[pk.String()] = true
	}

	var kept []rowjson.Row
	var deleted int64
	for _, row := range f.rows {
		pk, _ := row.Get("id")
		if doomed[pk.String()] && !f.undeletable[pk.String()] {
			deleted++
			continue
		}
		kept = append(kept, row)
	}

	// any count disagreement rolls the transaction back
	if err := verify.Counts(deleted, memoryCount, storeCount); err != nil {
		return 0, err
	}
	f.rows = kept
	return deleted, nil
}

func (f *fakeSource) ExistingPrimaryKeys(ctx context.Context, pks []rowjson.Value) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	present := map[string]bool{}
	for _, row := range f.rows {
		pk, _ := row.Get("id")
		present[pk.String()] = true
	}
	var still []string
	for _, pk := range pks {
		if present[pk.String()] {
			still = append(still, pk.String())
		}
	}
	return still, nil
}

func (f *fakeSource) Vacuum(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacuumed = true
	return nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, schemaName, tableName string) (*schema.Snapshot, error) {
	return &schema.Snapshot{
		SchemaName: schemaName,
		TableName:  tableName,
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", OrdinalPosition: 1},
			{Name: "created_at", DataType: "timestamp with time zone", OrdinalPosition: 2},
		},
		PrimaryKey: &schema.KeyConstraint{ConstraintName: "audit_logs_pkey", Columns: []string{"id"}},
	}, nil
}

func makeRows(n int) []rowjson.Row {
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]rowjson.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, rowjson.Row{Fields: []rowjson.Field{
			{Name: "id", Value: rowjson.Int(int64(i))},
			{Name: "created_at", Value: rowjson.Timestamp(base.Add(time.Duration(i) * time.Minute))},
		}})
	}
	return rows
}

func testTableConfig() archiver.TableConfig {
	return archiver.TableConfig{
		Database:          "proddb",
		Schema:            "public",
		Table:             "audit_logs",
		TimestampColumn:   "created_at",
		PrimaryKey:        "id",
		BatchSize:         10,
		CheckpointEnabled: true,
		VacuumAfter:       true,
	}
}

func newTestArchiver(t *testing.T, config archiver.TableConfig, src *fakeSource, store *objectstore.TestStore) (*archiver.TableArchiver, *progress.TableStats) {
	log := zaptest.NewLogger(t)
	compressor, err := compress.NewCompressor(6)
	require.NoError(t, err)

	stats := &progress.TableStats{Database: config.Database, Schema: config.Schema, Table: config.Table}
	return archiver.NewTableArchiver(log, config, archiver.TableDeps{
		Rows:        src,
		Store:       store,
		Detector:    fakeDetector{},
		Watermarks:  progress.NewWatermarkStore(log, store),
		Checkpoints: progress.NewCheckpointStore(log, store, 1),
		Drift:       schema.NewDriftChecker(log, false),
		Sampler:     verify.NewSampler(log, verify.DefaultSampleConfig),
		Compressor:  compressor,
		Stats:       stats,
	}), stats
}

func TestTableArchiverHappyPath(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(25)}
	store := objectstore.NewTestStore("")
	tableArchiver, stats := newTestArchiver(t, testTableConfig(), src, store)

	require.NoError(t, tableArchiver.Run(ctx))

	// every eligible row archived and deleted
	remaining, err := src.CountEligible(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.True(t, src.vacuumed)

	assert.Equal(t, int64(25), stats.EligibleRecords)
	assert.Equal(t, int64(25), stats.RecordsArchived)
	assert.Equal(t, int64(3), stats.BatchesProcessed)
	assert.Greater(t, stats.BytesCompressed, int64(0))

	// schema snapshot, watermark, and three batches of archive, metadata and
	// manifest objects; the checkpoint is deleted on success
	assert.Equal(t, 11, store.Len())

	objects, err := store.ListObjects(ctx, "proddb/public.audit_logs/")
	require.NoError(t, err)
	var archives, metadata, manifests int
	for _, object := range objects {
		switch {
		case strings.HasSuffix(object.Key, ".jsonl.gz"):
			archives++
		case strings.HasSuffix(object.Key, ".metadata.json"):
			metadata++
		case strings.HasSuffix(object.Key, ".manifest.json"):
			manifests++
		}
	}
	assert.Equal(t, 3, archives)
	assert.Equal(t, 3, metadata)
	assert.Equal(t, 3, manifests)

	// archive contents round-trip through gzip and carry the batch metadata
	compressor, err := compress.NewCompressor(6)
	require.NoError(t, err)
	var checked bool
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".jsonl.gz") {
			continue
		}
		data, err := store.GetObjectBytes(ctx, object.Key)
		require.NoError(t, err)
		jsonl, err := compressor.Decompress(data)
		require.NoError(t, err)
		assert.Equal(t, 10, rowjson.CountJSONLLines(jsonl))
		assert.Contains(t, string(jsonl), `"_batch_id"`)
		assert.Contains(t, string(jsonl), `"_source_database":"proddb"`)
		checked = true
		break
	}
	assert.True(t, checked)

	// the watermark points at the last archived row
	watermarks := progress.NewWatermarkStore(zaptest.NewLogger(t), store)
	watermark, err := watermarks.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	require.NotNil(t, watermark)
	assert.Equal(t, "25", watermark.LastPrimaryKey)
}

func TestTableArchiverNothingEligible(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	store := objectstore.NewTestStore("")
	tableArchiver, stats := newTestArchiver(t, testTableConfig(), src, store)

	require.NoError(t, tableArchiver.Run(ctx))

	assert.Zero(t, stats.RecordsArchived)
	assert.Zero(t, stats.BatchesProcessed)
	assert.False(t, src.vacuumed)
	// only the schema snapshot is written
	assert.Equal(t, 1, store.Len())
}

func TestTableArchiverDryRun(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(25)}
	store := objectstore.NewTestStore("")

	config := testTableConfig()
	config.DryRun = true
	tableArchiver, stats := newTestArchiver(t, config, src, store)

	require.NoError(t, tableArchiver.Run(ctx))

	// nothing uploaded, nothing deleted
	assert.Zero(t, store.Len())
	remaining, err := src.CountEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), remaining)
	assert.False(t, src.vacuumed)

	assert.Equal(t, int64(25), stats.RecordsWouldArchive)
	assert.Zero(t, stats.RecordsArchived)
	assert.Equal(t, int64(3), stats.BatchesProcessed)
}

func TestTableArchiverCorruptUpload(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(10)}
	store := objectstore.NewTestStore("")
	store.UploadHook = func(key string, data []byte) ([]byte, error) {
		if strings.HasSuffix(key, ".jsonl.gz") && len(data) > 0 {
			corrupted := make([]byte, len(data))
			copy(corrupted, data)
			corrupted[len(corrupted)/2] ^= 0xff
			return corrupted, nil
		}
		return data, nil
	}
	tableArchiver, _ := newTestArchiver(t, testTableConfig(), src, store)

	err := tableArchiver.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")

	// no row is deleted when verification fails
	remaining, countErr := src.CountEligible(ctx)
	require.NoError(t, countErr)
	assert.Equal(t, int64(10), remaining)
}

func TestTableArchiverDeleteMismatch(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		rows:        makeRows(10),
		undeletable: map[string]bool{"5": true},
	}
	store := objectstore.NewTestStore("")
	tableArchiver, stats := newTestArchiver(t, testTableConfig(), src, store)

	err := tableArchiver.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db/memory")

	// the delete transaction rolled back, every row survives
	remaining, countErr := src.CountEligible(ctx)
	require.NoError(t, countErr)
	assert.Equal(t, int64(10), remaining)
	assert.Zero(t, stats.RecordsArchived)
}

func TestTableArchiverNeverOverwritesExistingArchive(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(10)}
	store := objectstore.NewTestStore("")

	// a previous run already stored a different batch under this key; its
	// rows may be deleted from the source, so the object must survive
	previous := []byte("archive bytes from an earlier run")
	key := objectstore.Layout{}.ArchiveKey("proddb", "public", "audit_logs",
		archiver.BatchID("proddb", "audit_logs", 1), time.Now().UTC())
	_, err := store.Upload(ctx, key, previous)
	require.NoError(t, err)

	tableArchiver, _ := newTestArchiver(t, testTableConfig(), src, store)
	err = tableArchiver.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// the stored object is untouched and no row was deleted
	stored, err := store.GetObjectBytes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, previous, stored)
	remaining, err := src.CountEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)
}

func TestTableArchiverCheckpointsOnFailure(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(10)}
	store := objectstore.NewTestStore("")
	store.UploadHook = func(key string, data []byte) ([]byte, error) {
		if strings.HasSuffix(key, ".jsonl.gz") && len(data) > 0 {
			corrupted := make([]byte, len(data))
			copy(corrupted, data)
			corrupted[len(corrupted)/2] ^= 0xff
			return corrupted, nil
		}
		return data, nil
	}

	tableArchiver, _ := newTestArchiver(t, testTableConfig(), src, store)
	require.Error(t, tableArchiver.Run(ctx))

	// the aborted run left a checkpoint carrying its batch numbering
	checkpoints := progress.NewCheckpointStore(zaptest.NewLogger(t), store, 1)
	cp, err := checkpoints.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(1), cp.BatchNumber)

	// the resumed run burns the failed batch number instead of landing a
	// different row set on its keys
	store.UploadHook = nil
	resumed, stats := newTestArchiver(t, testTableConfig(), src, store)
	require.NoError(t, resumed.Run(ctx))
	assert.Equal(t, int64(10), stats.RecordsArchived)

	objects, err := store.ListObjects(ctx, "proddb/public.audit_logs/")
	require.NoError(t, err)
	var archives []string
	for _, object := range objects {
		if strings.HasSuffix(object.Key, ".jsonl.gz") {
			archives = append(archives, object.Key)
		}
	}
	require.Len(t, archives, 2)
	assert.Contains(t, archives[0]+archives[1], archiver.BatchID("proddb", "audit_logs", 2))

	// the checkpoint is gone after the successful resume
	cp, err = checkpoints.Load(ctx, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestTableArchiverReapsStaleUploads(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(10)}
	store := objectstore.NewTestStore("")

	// the previous run died mid-upload; its checkpoint and in-flight
	// multipart upload are still around
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	checkpoints := progress.NewCheckpointStore(zaptest.NewLogger(t), store, 1)
	pk := "5"
	ts := base.Add(5 * time.Minute)
	require.NoError(t, checkpoints.Save(ctx, progress.Checkpoint{
		Database:       "proddb",
		Schema:         "public",
		Table:          "audit_logs",
		BatchNumber:    1,
		LastTimestamp:  &ts,
		LastPrimaryKey: &pk,
	}))
	store.AddUpload("proddb/public.audit_logs/year=2025/month=01/day=01/feedfeedfeedfeed.jsonl.gz",
		"upload-1", time.Now().Add(-2*time.Hour))
	store.AddUpload("proddb/public.audit_logs/year=2025/month=01/day=01/beefbeefbeefbeef.jsonl.gz",
		"upload-2", time.Now().Add(-time.Minute))

	tableArchiver, _ := newTestArchiver(t, testTableConfig(), src, store)
	require.NoError(t, tableArchiver.Run(ctx))

	// only the stale upload was aborted
	uploads := store.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "upload-2", uploads[0].UploadID)
}

func TestTableArchiverResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(25)}
	store := objectstore.NewTestStore("")

	// a previous run archived through row 10
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	watermarks := progress.NewWatermarkStore(zaptest.NewLogger(t), store)
	require.NoError(t, watermarks.Save(ctx, "proddb", "public", "audit_logs",
		base.Add(10*time.Minute), "10"))

	tableArchiver, stats := newTestArchiver(t, testTableConfig(), src, store)
	require.NoError(t, tableArchiver.Run(ctx))

	assert.Equal(t, int64(15), stats.RecordsArchived)
	assert.Equal(t, int64(2), stats.BatchesProcessed)

	// rows at or before the watermark are left alone
	remaining, err := src.CountEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)
}

func TestTableArchiverHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{rows: makeRows(25)}
	store := objectstore.NewTestStore("")
	tableArchiver, _ := newTestArchiver(t, testTableConfig(), src, store)

	err := tableArchiver.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	remaining, countErr := src.CountEligible(ctx)
	require.NoError(t, countErr)
	assert.Equal(t, int64(25), remaining)
}
