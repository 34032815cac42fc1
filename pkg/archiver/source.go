// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package archiver

import (
	"context"

	"storj.io/audit-archiver/pkg/rowjson"
	"storj.io/audit-archiver/pkg/source"
	"storj.io/audit-archiver/pkg/verify"
)

// RowSource is the database capability the pipeline needs from one table.
// The production implementation wraps a live connection; tests substitute
// an in-memory table.
type RowSource interface {
	// CountEligible counts rows older than the cutoff.
	CountEligible(ctx context.Context) (int64, error)
	// SelectBatch fetches the next keyset window after cursor.
	SelectBatch(ctx context.Context, cursor *source.Cursor, limit int) ([]rowjson.Row, error)
	// DeleteBatch deletes exactly pks in one transaction. The transaction
	// rolls back unless the affected row count equates with memoryCount and
	// storeCount.
	DeleteBatch(ctx context.Context, pks []rowjson.Value, memoryCount, storeCount int64) (int64, error)
	// ExistingPrimaryKeys returns which of pks are still present.
	ExistingPrimaryKeys(ctx context.Context, pks []rowjson.Value) ([]string, error)
	// Vacuum reclaims space after the run's deletes.
	Vacuum(ctx context.Context) error
}

// DBSource is the production RowSource over a source database.
type DBSource struct {
	db       *source.DB
	selector *source.Selector
	txs      *source.TxManager
	ref      source.TableRef
}

var _ RowSource = (*DBSource)(nil)

// NewDBSource wires a selector and transaction manager for one table.
func NewDBSource(db *source.DB, selector *source.Selector, txs *source.TxManager, ref source.TableRef) *DBSource {
	return &DBSource{db: db, selector: selector, txs: txs, ref: ref}
}

// CountEligible counts rows older than the cutoff.
func (s *DBSource) CountEligible(ctx context.Context) (int64, error) {
	return s.selector.CountEligible(ctx)
}

// SelectBatch fetches the next keyset window after cursor.
func (s *DBSource) SelectBatch(ctx context.Context, cursor *source.Cursor, limit int) ([]rowjson.Row, error) {
	return s.selector.SelectBatch(ctx, cursor, limit)
}

// DeleteBatch deletes exactly pks, rolling back on any count disagreement.
func (s *DBSource) DeleteBatch(ctx context.Context, pks []rowjson.Value, memoryCount, storeCount int64) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = s.txs.Run(ctx, func(ctx context.Context, tx *source.Tx) error {
		deleted, err = source.DeleteByPrimaryKeys(ctx, tx, s.ref, pks)
		if err != nil {
			return err
		}
		return verify.Counts(deleted, memoryCount, storeCount)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ExistingPrimaryKeys returns which of pks are still present.
func (s *DBSource) ExistingPrimaryKeys(ctx context.Context, pks []rowjson.Value) ([]string, error) {
	return s.db.ExistingPrimaryKeys(ctx, s.ref, pks)
}

// Vacuum runs VACUUM ANALYZE on the table.
func (s *DBSource) Vacuum(ctx context.Context) error {
	return s.db.Vacuum(ctx, s.ref.Schema, s.ref.Table)
}
