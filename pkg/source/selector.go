// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/rowjson"
)

// TableRef identifies one archival target table.
type TableRef struct {
	Schema          string
	Table           string
	TimestampColumn string
	PrimaryKey      string
}

// Cursor is the keyset position after the last archived row.
type Cursor struct {
	Timestamp  time.Time
	PrimaryKey rowjson.Value
}

// CalculateCutoff returns now_utc - retention_days - safety_buffer_days.
// It is computed once per run; the archival loop never recomputes it.
func CalculateCutoff(now time.Time, retentionDays, safetyBufferDays int) time.Time {
	return now.UTC().AddDate(0, 0, -(retentionDays + safetyBufferDays))
}

// Selector pages through archival candidates with keyset pagination.
type Selector struct {
	log    *zap.Logger
	db     *DB
	ref    TableRef
	cutoff time.Time
}

// NewSelector creates a selector with a fixed cutoff.
func NewSelector(log *zap.Logger, db *DB, ref TableRef, cutoff time.Time) (*Selector, error) {
	for _, name := range []string{ref.Schema, ref.Table, ref.TimestampColumn, ref.PrimaryKey} {
		if _, err := QuoteIdentifier(name); err != nil {
			return nil, err
		}
	}
	return &Selector{log: log, db: db, ref: ref, cutoff: cutoff}, nil
}

// Cutoff returns the fixed cutoff timestamp.
func (s *Selector) Cutoff() time.Time { return s.cutoff }

// CountEligible counts rows older than the cutoff, for observability.
func (s *Selector) CountEligible(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	qualified, err := QuoteQualified(s.ref.Schema, s.ref.Table)
	if err != nil {
		return 0, err
	}
	tsCol, err := QuoteIdentifier(s.ref.TimestampColumn)
	if err != nil {
		return 0, err
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < $1", qualified, tsCol)
	if err := s.db.pool.QueryRow(ctx, query, s.cutoff).Scan(&count); err != nil {
		return 0, Error.New("count eligible rows in %s: %w", qualified, err)
	}
	return count, nil
}

// SelectBatch fetches the next keyset window of at most limit rows older
// than the cutoff, ordered by (timestamp, primary key). The SELECT runs
// under FOR UPDATE SKIP LOCKED inside its own short transaction, so
// concurrent runs skip each other's in-flight rows.
func (s *Selector) SelectBatch(ctx context.Context, cursor *Cursor, limit int) (_ []rowjson.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	qualified, err := QuoteQualified(s.ref.Schema, s.ref.Table)
	if err != nil {
		return nil, err
	}
	tsCol, err := QuoteIdentifier(s.ref.TimestampColumn)
	if err != nil {
		return nil, err
	}
	pkCol, err := QuoteIdentifier(s.ref.PrimaryKey)
	if err != nil {
		return nil, err
	}

	var query string
	var args []any
	if cursor != nil {
		query = fmt.Sprintf(`
			SELECT * FROM %s
			WHERE %s < $1
			  AND (%s > $2 OR (%s = $2 AND %s > $3))
			ORDER BY %s, %s
			LIMIT $4
			FOR UPDATE SKIP LOCKED`,
			qualified, tsCol, tsCol, tsCol, pkCol, tsCol, pkCol)
		args = []any{s.cutoff, cursor.Timestamp, cursor.PrimaryKey.Driver(), limit}
	} else {
		query = fmt.Sprintf(`
			SELECT * FROM %s
			WHERE %s < $1
			ORDER BY %s, %s
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			qualified, tsCol, tsCol, pkCol)
		args = []any{s.cutoff, limit}
	}

	tx, err := s.db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	pgxRows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, Error.New("select batch from %s: %w", qualified, err)
	}

	rows, err := s.collectRows(pgxRows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}

func (s *Selector) collectRows(pgxRows pgx.Rows) ([]rowjson.Row, error) {
	defer pgxRows.Close()

	descriptions := pgxRows.FieldDescriptions()
	columns := make([]string, len(descriptions))
	for i, description := range descriptions {
		columns[i] = description.Name
	}

	var rows []rowjson.Row
	for pgxRows.Next() {
		values, err := pgxRows.Values()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		fields := make([]rowjson.Field, len(values))
		for i, raw := range values {
			value, unknown := rowjson.FromAny(raw)
			if unknown {
				s.log.Warn("unknown column type, falling back to string",
					zap.String("table", s.ref.Table),
					zap.String("column", columns[i]),
					zap.String("go_type", fmt.Sprintf("%T", raw)))
			}
			fields[i] = rowjson.Field{Name: columns[i], Value: value}
		}
		rows = append(rows, rowjson.Row{Fields: fields})
	}
	if err := pgxRows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}

// ExtractPrimaryKeys pulls the primary key value out of every row.
func ExtractPrimaryKeys(rows []rowjson.Row, pkColumn string) ([]rowjson.Value, error) {
	pks := make([]rowjson.Value, 0, len(rows))
	for _, row := range rows {
		value, ok := row.Get(pkColumn)
		if !ok {
			return nil, Error.New("primary key column %q missing from row", pkColumn)
		}
		pks = append(pks, value)
	}
	return pks, nil
}

// PrimaryKeyStrings returns the canonical string form of every primary key.
func PrimaryKeyStrings(pks []rowjson.Value) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = pk.String()
	}
	return out
}

// LastCursor returns the keyset cursor after the final row of a batch.
func LastCursor(rows []rowjson.Row, ref TableRef) (*Cursor, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	tsValue, ok := last.Get(ref.TimestampColumn)
	if !ok {
		return nil, Error.New("timestamp column %q missing from row", ref.TimestampColumn)
	}
	ts, ok := tsValue.Time()
	if !ok {
		return nil, Error.New("timestamp column %q is not a timestamp (kind %s)",
			ref.TimestampColumn, tsValue.Kind())
	}
	pk, ok := last.Get(ref.PrimaryKey)
	if !ok {
		return nil, Error.New("primary key column %q missing from row", ref.PrimaryKey)
	}
	return &Cursor{Timestamp: ts, PrimaryKey: pk}, nil
}

// TimestampRange returns the min and max timestamps in a batch.
func TimestampRange(rows []rowjson.Row, tsColumn string) (min, max time.Time, ok bool) {
	for _, row := range rows {
		value, found := row.Get(tsColumn)
		if !found {
			continue
		}
		ts, isTime := value.Time()
		if !isTime {
			continue
		}
		if !ok {
			min, max, ok = ts, ts, true
			continue
		}
		if ts.Before(min) {
			min = ts
		}
		if ts.After(max) {
			max = ts
		}
	}
	return min, max, ok
}
