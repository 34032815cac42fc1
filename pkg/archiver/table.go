// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/checksum"
	"storj.io/audit-archiver/pkg/compress"
	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/progress"
	"storj.io/audit-archiver/pkg/rowjson"
	"storj.io/audit-archiver/pkg/schema"
	"storj.io/audit-archiver/pkg/source"
	"storj.io/audit-archiver/pkg/verify"
)

// SchemaDetector captures the current definition of a table. A nil
// detector skips schema capture.
type SchemaDetector interface {
	Detect(ctx context.Context, schemaName, tableName string) (*schema.Snapshot, error)
}

// TableConfig configures one table's archival run.
type TableConfig struct {
	Database        string
	Schema          string
	Table           string
	TimestampColumn string
	PrimaryKey      string

	BatchSize           int
	SleepBetweenBatches time.Duration
	CheckpointEnabled   bool
	VacuumAfter         bool
	DryRun              bool
}

func (config TableConfig) ref() source.TableRef {
	return source.TableRef{
		Schema:          config.Schema,
		Table:           config.Table,
		TimestampColumn: config.TimestampColumn,
		PrimaryKey:      config.PrimaryKey,
	}
}

// TableDeps are the collaborators of a table archival run.
type TableDeps struct {
	Rows        RowSource
	Store       objectstore.Client
	Detector    SchemaDetector
	Watermarks  *progress.WatermarkStore
	Checkpoints *progress.CheckpointStore
	Drift       *schema.DriftChecker
	Sampler     *verify.Sampler
	Compressor  *compress.Compressor
	Stats       *progress.TableStats
}

// TableArchiver drives one table through the archival pipeline until no
// eligible rows remain.
type TableArchiver struct {
	log        *zap.Logger
	config     TableConfig
	layout     objectstore.Layout
	serializer *rowjson.Serializer

	rows        RowSource
	store       objectstore.Client
	detector    SchemaDetector
	watermarks  *progress.WatermarkStore
	checkpoints *progress.CheckpointStore
	drift       *schema.DriftChecker
	sampler     *verify.Sampler
	compressor  *compress.Compressor
	stats       *progress.TableStats
}

// NewTableArchiver creates a table archiver.
func NewTableArchiver(log *zap.Logger, config TableConfig, deps TableDeps) *TableArchiver {
	return &TableArchiver{
		log:         log,
		config:      config,
		serializer:  rowjson.NewSerializer(log),
		rows:        deps.Rows,
		store:       deps.Store,
		detector:    deps.Detector,
		watermarks:  deps.Watermarks,
		checkpoints: deps.Checkpoints,
		drift:       deps.Drift,
		sampler:     deps.Sampler,
		compressor:  deps.Compressor,
		stats:       deps.Stats,
	}
}

// staleUploadAge is how long an in-flight multipart upload may sit before a
// resumed run reaps it.
const staleUploadAge = time.Hour

// tableState is the loop position, seeded from checkpoint or watermark.
type tableState struct {
	batchNumber      int64
	recordsArchived  int64
	batchesProcessed int64
	cursor           *source.Cursor
}

// Run archives everything older than the table's cutoff. Cancellation is
// honored between batches only.
func (a *TableArchiver) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := a.captureSchema(ctx)
	if err != nil {
		return err
	}

	state, err := a.loadState(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			a.saveFailureCheckpoint(ctx, state)
		}
	}()

	eligible, err := a.rows.CountEligible(ctx)
	if err != nil {
		return err
	}
	a.stats.EligibleRecords = eligible
	a.log.Info("table archival starting",
		zap.Int64("eligible_records", eligible),
		zap.Int64("resume_batch", state.batchNumber),
		zap.Bool("dry_run", a.config.DryRun))

	includeSchema := snapshot
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := a.rows.SelectBatch(ctx, state.cursor, a.config.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		state.batchNumber++
		if err := a.processBatch(ctx, rows, state, includeSchema); err != nil {
			return err
		}
		includeSchema = nil

		if a.config.SleepBetweenBatches > 0 {
			if err := sleep(ctx, a.config.SleepBetweenBatches); err != nil {
				return err
			}
		}
	}

	if !a.config.DryRun {
		if err := a.checkpoints.Delete(ctx, a.config.Database, a.config.Schema, a.config.Table); err != nil {
			return err
		}
		if a.config.VacuumAfter && a.stats.RecordsArchived > 0 {
			if err := a.rows.Vacuum(ctx); err != nil {
				a.log.Warn("vacuum failed", zap.Error(err))
			}
		}
	}
	return nil
}

// captureSchema detects the table's current definition, diffs it against
// the previous run's snapshot, and persists the current one.
func (a *TableArchiver) captureSchema(ctx context.Context) (*schema.Snapshot, error) {
	if a.detector == nil {
		return nil, nil
	}
	current, err := a.detector.Detect(ctx, a.config.Schema, a.config.Table)
	if err != nil {
		return nil, err
	}

	var previous *schema.Snapshot
	key := a.layout.SchemaKey(a.config.Database, a.config.Schema, a.config.Table)
	data, err := a.store.GetObjectBytes(ctx, key)
	if err == nil {
		previous = &schema.Snapshot{}
		if err := json.Unmarshal(data, previous); err != nil {
			a.log.Warn("discarding unreadable schema snapshot",
				zap.String("key", key), zap.Error(err))
			previous = nil
		}
	} else if !objectstore.ErrNotFound.Has(err) {
		return nil, err
	}

	if a.drift != nil {
		if _, err := a.drift.Compare(current, previous); err != nil {
			return nil, err
		}
	}

	if !a.config.DryRun {
		encoded, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if _, err := a.store.Upload(ctx, key, encoded); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// loadState seeds the loop from the latest checkpoint, falling back to the
// watermark when no checkpoint exists.
func (a *TableArchiver) loadState(ctx context.Context) (*tableState, error) {
	state := &tableState{}

	if a.config.CheckpointEnabled {
		cp, err := a.checkpoints.Load(ctx, a.config.Database, a.config.Schema, a.config.Table)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			// a checkpoint means the previous run died; reap multipart
			// uploads it may have left in flight
			prefix := a.layout.TableDataPrefix(a.config.Database, a.config.Schema, a.config.Table)
			if found, aborted, err := a.store.CleanupStaleUploads(ctx, prefix, staleUploadAge); err != nil {
				a.log.Warn("stale multipart upload cleanup failed", zap.Error(err))
			} else if found > 0 {
				a.log.Info("cleaned up stale multipart uploads",
					zap.Int("found", found), zap.Int("aborted", aborted))
			}

			state.batchNumber = cp.BatchNumber
			state.recordsArchived = cp.RecordsArchived
			state.batchesProcessed = cp.BatchesProcessed
			if cp.LastTimestamp != nil && cp.LastPrimaryKey != nil {
				state.cursor = &source.Cursor{
					Timestamp:  *cp.LastTimestamp,
					PrimaryKey: parsePrimaryKey(*cp.LastPrimaryKey),
				}
			}
			return state, nil
		}
	}

	watermark, err := a.watermarks.Load(ctx, a.config.Database, a.config.Schema, a.config.Table)
	if err != nil {
		return nil, err
	}
	if watermark != nil {
		state.cursor = &source.Cursor{
			Timestamp:  watermark.LastTimestamp,
			PrimaryKey: parsePrimaryKey(watermark.LastPrimaryKey),
		}
	}
	return state, nil
}

// saveFailureCheckpoint persists the loop position when a run aborts, so a
// resumed run keeps its batch numbering instead of restarting from 1. The
// failed batch's number stays burned; the resumed run continues after it.
func (a *TableArchiver) saveFailureCheckpoint(ctx context.Context, state *tableState) {
	if !a.config.CheckpointEnabled || a.config.DryRun || state.batchNumber == 0 {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	checkpoint := progress.Checkpoint{
		Database:         a.config.Database,
		Table:            a.config.Table,
		Schema:           a.config.Schema,
		BatchNumber:      state.batchNumber,
		RecordsArchived:  state.recordsArchived,
		BatchesProcessed: state.batchesProcessed,
		CheckpointTime:   time.Now().UTC(),
	}
	if state.cursor != nil {
		checkpoint.LastTimestamp = &state.cursor.Timestamp
		checkpoint.LastPrimaryKey = stringPtr(state.cursor.PrimaryKey.String())
	}
	if err := a.checkpoints.Save(saveCtx, checkpoint); err != nil {
		a.log.Warn("failed to save checkpoint after aborted run", zap.Error(err))
	}
}

// processBatch runs the full verify-before-delete pipeline for one batch.
func (a *TableArchiver) processBatch(ctx context.Context, rows []rowjson.Row, state *tableState, snapshot *schema.Snapshot) (err error) {
	defer mon.Task()(&ctx)(&err)

	batchID := BatchID(a.config.Database, a.config.Table, state.batchNumber)
	archivedAt := time.Now().UTC()
	log := a.log.With(
		zap.Int64("batch_number", state.batchNumber),
		zap.String("batch_id", batchID))

	pks, err := source.ExtractPrimaryKeys(rows, a.config.PrimaryKey)
	if err != nil {
		return err
	}
	pkStrings := source.PrimaryKeyStrings(pks)
	memoryCount := int64(len(rows))

	jsonl, err := a.serializer.ToJSONL(rows, rowjson.RecordMeta{
		BatchID:    batchID,
		Database:   a.config.Database,
		Table:      a.config.Table,
		ArchivedAt: archivedAt,
	})
	if err != nil {
		return err
	}
	jsonlChecksum := checksum.SHA256Hex(jsonl)
	lineCount := int64(rowjson.CountJSONLLines(jsonl))
	if lineCount != memoryCount {
		return Error.New("serialized %d lines for %d rows", lineCount, memoryCount)
	}

	compressed, uncompressedSize, compressedSize, err := a.compressor.Compress(jsonl)
	if err != nil {
		return err
	}
	compressedChecksum := checksum.SHA256Hex(compressed)

	cursor, err := source.LastCursor(rows, a.config.ref())
	if err != nil {
		return err
	}

	if a.config.DryRun {
		a.stats.RecordsWouldArchive += memoryCount
		a.stats.BatchesProcessed++
		log.Info("dry run, batch not uploaded or deleted",
			zap.Int64("records_would_archive", memoryCount))
		state.cursor = cursor
		return nil
	}

	archiveKey := a.layout.ArchiveKey(a.config.Database, a.config.Schema, a.config.Table, batchID, archivedAt)
	if err := a.uploadArchive(ctx, log, archiveKey, compressed, compressedChecksum); err != nil {
		return err
	}

	// Round-trip verification against the stored bytes: both the compressed
	// and decompressed digests must match before any row is deleted.
	stored, err := a.store.GetObjectBytes(ctx, archiveKey)
	if err != nil {
		return err
	}
	if err := checksum.Verify(stored, compressedChecksum); err != nil {
		return Error.New("stored archive %s corrupt: %w", archiveKey, err)
	}
	decompressed, err := a.compressor.Decompress(stored)
	if err != nil {
		return Error.New("stored archive %s corrupt: %w", archiveKey, err)
	}
	if err := checksum.Verify(decompressed, jsonlChecksum); err != nil {
		return Error.New("stored archive %s payload mismatch: %w", archiveKey, err)
	}
	storeCount := int64(rowjson.CountJSONLLines(decompressed))

	batchInfo := BatchInfo{
		Database:    a.config.Database,
		Schema:      a.config.Schema,
		Table:       a.config.Table,
		BatchNumber: state.batchNumber,
		BatchID:     batchID,
		ArchivedAt:  archivedAt,
	}
	if err := a.uploadMetadata(ctx, batchInfo, archivedAt, Metadata{
		Version:   formatVersion,
		BatchInfo: batchInfo,
		DataInfo: DataInfo{
			RecordCount:           memoryCount,
			UncompressedSizeBytes: uncompressedSize,
			CompressedSizeBytes:   compressedSize,
			CompressionRatio:      compress.Ratio(uncompressedSize, compressedSize),
		},
		Checksums: Checksums{
			JSONLSHA256:      jsonlChecksum,
			CompressedSHA256: compressedChecksum,
		},
		PrimaryKeys: PrimaryKeysInfo{
			Count:  len(pkStrings),
			Sample: pkSample(pkStrings, 10),
		},
		TimestampRange: timestampRange(rows, a.config.TimestampColumn),
		TableSchema:    snapshot,
	}, Manifest{
		Version:          formatVersion,
		BatchInfo:        batchInfo,
		ExpectedCount:    memoryCount,
		DeletedCount:     memoryCount,
		PrimaryKeysCount: memoryCount,
		PrimaryKeys:      pkStrings,
	}); err != nil {
		return err
	}

	sample := a.sampler.Sample(pkStrings)
	if err := verify.SampleInObject(decompressed, a.config.PrimaryKey, sample); err != nil {
		return err
	}

	deleted, err := a.rows.DeleteBatch(ctx, pks, memoryCount, storeCount)
	if err != nil {
		return err
	}

	still, err := a.rows.ExistingPrimaryKeys(ctx, valuesForSample(pks, pkStrings, sample))
	if err != nil {
		return err
	}
	if err := verify.FoundInSource(still); err != nil {
		return err
	}

	if err := a.watermarks.Save(ctx,
		a.config.Database, a.config.Schema, a.config.Table,
		cursor.Timestamp, cursor.PrimaryKey.String()); err != nil {
		return err
	}
	state.cursor = cursor
	state.recordsArchived += deleted
	state.batchesProcessed++

	a.stats.RecordsArchived += deleted
	a.stats.BatchesProcessed++
	a.stats.BytesUncompressed += uncompressedSize
	a.stats.BytesCompressed += compressedSize

	if a.config.CheckpointEnabled && a.checkpoints.ShouldSave(state.batchNumber) {
		if err := a.checkpoints.Save(ctx, progress.Checkpoint{
			Database:         a.config.Database,
			Table:            a.config.Table,
			Schema:           a.config.Schema,
			BatchNumber:      state.batchNumber,
			LastTimestamp:    &cursor.Timestamp,
			LastPrimaryKey:   stringPtr(cursor.PrimaryKey.String()),
			RecordsArchived:  state.recordsArchived,
			BatchesProcessed: state.batchesProcessed,
			CheckpointTime:   time.Now().UTC(),
			BatchID:          batchID,
		}); err != nil {
			return err
		}
	}

	log.Info("batch archived",
		zap.Int64("records", deleted),
		zap.Int64("uncompressed_bytes", uncompressedSize),
		zap.Int64("compressed_bytes", compressedSize),
		zap.String("key", archiveKey))
	return nil
}

// uploadArchive uploads the compressed payload. If an object with this key
// already exists, its bytes are verified against the expected checksum
// instead of blindly re-uploaded; a matching object is the same batch from
// an earlier attempt. A mismatching object is never overwritten, it may be
// the only copy of rows a previous run already deleted.
func (a *TableArchiver) uploadArchive(ctx context.Context, log *zap.Logger, key string, compressed []byte, compressedChecksum string) error {
	exists, err := a.store.ObjectExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		stored, err := a.store.GetObjectBytes(ctx, key)
		if err != nil {
			return err
		}
		if err := checksum.Verify(stored, compressedChecksum); err != nil {
			return verify.Error.New("archive object %s already exists with different content: %w", key, err)
		}
		log.Info("archive object already uploaded, reusing", zap.String("key", key))
		return nil
	}
	_, err = a.store.Upload(ctx, key, compressed)
	return err
}

func (a *TableArchiver) uploadMetadata(ctx context.Context, info BatchInfo, archivedAt time.Time, metadata Metadata, manifest Manifest) error {
	encodedMetadata, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	metadataKey := a.layout.MetadataKey(info.Database, info.Schema, info.Table, info.BatchID, archivedAt)
	if _, err := a.store.Upload(ctx, metadataKey, encodedMetadata); err != nil {
		return err
	}

	encodedManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	manifestKey := a.layout.ManifestKey(info.Database, info.Schema, info.Table, info.BatchID, archivedAt)
	if _, err := a.store.Upload(ctx, manifestKey, encodedManifest); err != nil {
		return err
	}
	return nil
}

func timestampRange(rows []rowjson.Row, tsColumn string) TimestampRange {
	min, max, ok := source.TimestampRange(rows, tsColumn)
	if !ok {
		return TimestampRange{}
	}
	return TimestampRange{Min: &min, Max: &max}
}

// valuesForSample maps sampled string keys back to their typed values for
// the post-delete absence query.
func valuesForSample(pks []rowjson.Value, pkStrings, sample []string) []rowjson.Value {
	wanted := make(map[string]struct{}, len(sample))
	for _, pk := range sample {
		wanted[pk] = struct{}{}
	}
	values := make([]rowjson.Value, 0, len(sample))
	for i, pk := range pkStrings {
		if _, ok := wanted[pk]; ok {
			values = append(values, pks[i])
			delete(wanted, pk)
		}
	}
	return values
}

// parsePrimaryKey reconstructs a typed cursor value from its persisted
// string form. Integer and UUID keys bind as their native types; anything
// else compares as text.
func parsePrimaryKey(s string) rowjson.Value {
	if s == "" {
		return rowjson.String(s)
	}
	if isDigits(s) {
		var n int64
		for _, c := range s {
			n = n*10 + int64(c-'0')
		}
		return rowjson.Int(n)
	}
	if id, err := uuid.Parse(s); err == nil {
		return rowjson.UUID(id)
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return rowjson.Timestamp(ts)
	}
	return rowjson.String(s)
}

func isDigits(s string) bool {
	if len(s) > 18 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func stringPtr(s string) *string { return &s }

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
