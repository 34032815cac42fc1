// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TableStats aggregates one table's archival run.
type TableStats struct {
	Database string
	Schema   string
	Table    string

	EligibleRecords     int64
	RecordsArchived     int64
	RecordsWouldArchive int64
	BatchesProcessed    int64
	BytesUncompressed   int64
	BytesCompressed     int64

	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    bool
	Err        error
}

// Duration returns the table's wall-clock time.
func (stats *TableStats) Duration() time.Duration {
	if stats.FinishedAt.IsZero() {
		return time.Since(stats.StartedAt)
	}
	return stats.FinishedAt.Sub(stats.StartedAt)
}

// Rate returns archived records per second.
func (stats *TableStats) Rate() float64 {
	seconds := stats.Duration().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(stats.RecordsArchived) / seconds
}

// Tracker collects per-table stats across a run.
type Tracker struct {
	log       *zap.Logger
	startedAt time.Time

	mu     sync.Mutex
	tables []*TableStats
}

// NewTracker creates a tracker; the run clock starts now.
func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{log: log, startedAt: time.Now()}
}

// StartTable begins tracking one table.
func (tracker *Tracker) StartTable(database, schema, table string) *TableStats {
	stats := &TableStats{
		Database:  database,
		Schema:    schema,
		Table:     table,
		StartedAt: time.Now(),
	}
	tracker.mu.Lock()
	tracker.tables = append(tracker.tables, stats)
	tracker.mu.Unlock()
	return stats
}

// FinishTable marks the table done and logs its outcome.
func (tracker *Tracker) FinishTable(stats *TableStats, err error) {
	stats.FinishedAt = time.Now()
	stats.Err = err

	fields := []zap.Field{
		zap.String("database", stats.Database),
		zap.String("table", stats.Schema + "." + stats.Table),
		zap.Int64("records_archived", stats.RecordsArchived),
		zap.Int64("batches", stats.BatchesProcessed),
		zap.Int64("bytes_uncompressed", stats.BytesUncompressed),
		zap.Int64("bytes_compressed", stats.BytesCompressed),
		zap.Duration("duration", stats.Duration()),
		zap.Float64("records_per_second", stats.Rate()),
	}
	if stats.RecordsWouldArchive > 0 {
		fields = append(fields, zap.Int64("records_would_archive", stats.RecordsWouldArchive))
	}
	if err != nil {
		tracker.log.Error("table archival failed", append(fields, zap.Error(err))...)
		return
	}
	if stats.Skipped {
		tracker.log.Info("table archival skipped", fields...)
		return
	}
	tracker.log.Info("table archival complete", fields...)
}

// Summary totals the run across all tables.
type Summary struct {
	Tables           int
	Failed           int
	Skipped          int
	RecordsArchived  int64
	BatchesProcessed int64
	BytesCompressed  int64
	Duration         time.Duration
}

// Summarize returns run totals and logs them.
func (tracker *Tracker) Summarize() Summary {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	summary := Summary{Duration: time.Since(tracker.startedAt)}
	for _, stats := range tracker.tables {
		summary.Tables++
		if stats.Err != nil {
			summary.Failed++
		}
		if stats.Skipped {
			summary.Skipped++
		}
		summary.RecordsArchived += stats.RecordsArchived
		summary.BatchesProcessed += stats.BatchesProcessed
		summary.BytesCompressed += stats.BytesCompressed
	}

	tracker.log.Info("archival run summary",
		zap.Int("tables", summary.Tables),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("records_archived", summary.RecordsArchived),
		zap.Int64("batches", summary.BatchesProcessed),
		zap.Int64("bytes_compressed", summary.BytesCompressed),
		zap.Duration("duration", summary.Duration))
	return summary
}
