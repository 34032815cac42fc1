// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/audit-archiver/pkg/compress"
	"storj.io/audit-archiver/pkg/config"
	"storj.io/audit-archiver/pkg/legalhold"
	"storj.io/audit-archiver/pkg/lock"
	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/progress"
	"storj.io/audit-archiver/pkg/schema"
	"storj.io/audit-archiver/pkg/source"
	"storj.io/audit-archiver/pkg/verify"
)

// RunOptions select what a run covers.
type RunOptions struct {
	DryRun   bool
	Database string // when set, only this database
	Table    string // when set, only this table
}

// Runner archives every configured table, fanning out across databases up
// to the configured parallelism. Tables within a database run sequentially.
type Runner struct {
	log     *zap.Logger
	config  *config.Config
	store   objectstore.Client
	tracker *progress.Tracker
	holds   *legalhold.Checker
	options RunOptions
}

// NewRunner creates a runner over an already dialed object store.
func NewRunner(log *zap.Logger, cfg *config.Config, store objectstore.Client, options RunOptions) *Runner {
	return &Runner{
		log:     log,
		config:  cfg,
		store:   store,
		tracker: progress.NewTracker(log),
		holds:   legalhold.NewChecker(log, cfg.LegalHolds.HoldConfig()),
		options: options,
	}
}

// Run archives all selected tables and returns the first failure, after
// every database has finished.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	databases := r.selectDatabases()
	if len(databases) == 0 {
		return Error.New("no databases match the requested filter")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if r.config.Defaults.ParallelDatabases {
		group.SetLimit(r.config.Defaults.MaxParallelDatabases)
	} else {
		group.SetLimit(1)
	}
	for _, db := range databases {
		db := db
		group.Go(func() error {
			return r.runDatabase(groupCtx, db)
		})
	}
	err = group.Wait()

	summary := r.tracker.Summarize()
	if err == nil && summary.Failed > 0 {
		err = Error.New("%d of %d tables failed", summary.Failed, summary.Tables)
	}
	return err
}

func (r *Runner) selectDatabases() []config.Database {
	var out []config.Database
	for _, db := range r.config.Databases {
		if r.options.Database != "" && db.Name != r.options.Database {
			continue
		}
		out = append(out, db)
	}
	return out
}

func (r *Runner) runDatabase(ctx context.Context, dbConfig config.Database) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := r.log.With(zap.String("database", dbConfig.Name))

	password, err := dbConfig.DatabasePassword()
	if err != nil {
		return err
	}
	db, err := source.Open(ctx, log, source.ConnectConfig{
		Host:     dbConfig.Host,
		Port:     dbConfig.Port,
		Name:     dbConfig.Name,
		User:     dbConfig.User,
		Password: password,
		MaxConns: int32(dbConfig.ConnectionPoolSize),
	})
	if err != nil {
		return err
	}
	defer db.Close()

	lockConfig := r.config.Locking.LockConfig()
	var locks lock.Manager
	switch lockConfig.Type {
	case "file":
		locks = lock.NewFileManager(log, filepath.Join(r.config.StateDir, "locks"), lockConfig)
	default:
		locks = lock.NewAdvisoryManager(log, db.Pool(), lockConfig)
	}

	var firstErr error
	for _, table := range dbConfig.Tables {
		if r.options.Table != "" && table.Name != r.options.Table {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runTable(ctx, db, locks, lockConfig, dbConfig, table); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) runTable(ctx context.Context, db *source.DB, locks lock.Manager, lockConfig lock.Config, dbConfig config.Database, tableConfig config.Table) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := r.log.With(
		zap.String("database", dbConfig.Name),
		zap.String("table", tableConfig.Schema+"."+tableConfig.Name))
	stats := r.tracker.StartTable(dbConfig.Name, tableConfig.Schema, tableConfig.Name)
	defer func() { r.tracker.FinishTable(stats, err) }()

	hold, err := r.holds.Check(ctx, db.Pool(), dbConfig.Name, tableConfig.Schema, tableConfig.Name)
	if err != nil {
		return err
	}
	if hold != nil {
		log.Warn("table has an active legal hold, skipping archival",
			zap.String("reason", hold.Reason),
			zap.String("requestor", hold.Requestor),
			zap.Timep("expiration_date", hold.ExpirationDate))
		stats.Skipped = true
		return nil
	}

	lockKey := fmt.Sprintf("%s:%s", dbConfig.Name, tableConfig.Name)
	held, err := locks.Acquire(ctx, lockKey)
	if err != nil {
		return err
	}

	heartbeat := lock.NewHeartbeat(log, locks, held, lockConfig)
	heartbeatDone := make(chan error, 1)
	go func() { heartbeatDone <- heartbeat.Run(ctx) }()
	defer func() {
		heartbeat.Stop()
		<-heartbeatDone
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if releaseErr := locks.Release(releaseCtx, held); releaseErr != nil {
			log.Error("lock release failed", zap.Error(releaseErr))
		}
	}()

	archiver, err := r.buildTableArchiver(log, db, dbConfig, tableConfig, stats)
	if err != nil {
		return err
	}
	return archiver.Run(ctx)
}

func (r *Runner) buildTableArchiver(log *zap.Logger, db *source.DB, dbConfig config.Database, tableConfig config.Table, stats *progress.TableStats) (*TableArchiver, error) {
	ref := source.TableRef{
		Schema:          tableConfig.Schema,
		Table:           tableConfig.Name,
		TimestampColumn: tableConfig.TimestampColumn,
		PrimaryKey:      tableConfig.PrimaryKey,
	}
	cutoff := source.CalculateCutoff(time.Now(), tableConfig.RetentionDays, r.config.Defaults.SafetyBufferDays)
	selector, err := source.NewSelector(log, db, ref, cutoff)
	if err != nil {
		return nil, err
	}

	compressor, err := compress.NewCompressor(r.config.Defaults.CompressionLevel)
	if err != nil {
		return nil, err
	}

	sleepBetween := time.Duration(r.config.Defaults.SleepBetweenBatches * float64(time.Second))

	return NewTableArchiver(log, TableConfig{
		Database:            dbConfig.Name,
		Schema:              tableConfig.Schema,
		Table:               tableConfig.Name,
		TimestampColumn:     tableConfig.TimestampColumn,
		PrimaryKey:          tableConfig.PrimaryKey,
		BatchSize:           tableConfig.BatchSize,
		SleepBetweenBatches: sleepBetween,
		CheckpointEnabled:   r.config.Checkpoint.Enabled,
		VacuumAfter:         r.config.Defaults.VacuumAfter,
		DryRun:              r.options.DryRun,
	}, TableDeps{
		Rows:        NewDBSource(db, selector, source.NewTxManager(log, db, 0), ref),
		Store:       r.store,
		Detector:    schema.NewDetector(log, db.Pool()),
		Watermarks:  progress.NewWatermarkStore(log, r.store),
		Checkpoints: progress.NewCheckpointStore(log, r.store, r.config.Checkpoint.Frequency),
		Drift:       schema.NewDriftChecker(log, r.config.Defaults.FailOnSchemaDrift),
		Sampler:     verify.NewSampler(log, verify.DefaultSampleConfig),
		Compressor:  compressor,
		Stats:       stats,
	}), nil
}
