// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"fmt"
	"time"

	"storj.io/audit-archiver/pkg/rowjson"
)

// pkArgs converts primary key values into a homogeneous slice the driver
// can bind to = ANY($1), plus the array cast needed for non-text key
// columns. Mixed-kind key sets fall back to text comparison.
func pkArgs(pks []rowjson.Value) (arg any, cast string) {
	if len(pks) == 0 {
		return []string{}, ""
	}
	kind := pks[0].Kind()
	for _, pk := range pks[1:] {
		if pk.Kind() != kind {
			kind = rowjson.KindString
			break
		}
	}
	switch kind {
	case rowjson.KindInt:
		out := make([]int64, len(pks))
		for i, pk := range pks {
			out[i], _ = pk.Driver().(int64)
		}
		return out, ""
	case rowjson.KindTimestamp:
		out := make([]time.Time, len(pks))
		for i, pk := range pks {
			out[i], _ = pk.Driver().(time.Time)
		}
		return out, ""
	case rowjson.KindUUID:
		out := make([]string, len(pks))
		for i, pk := range pks {
			out[i] = pk.String()
		}
		return out, "::uuid[]"
	case rowjson.KindDecimal:
		out := make([]string, len(pks))
		for i, pk := range pks {
			out[i] = pk.String()
		}
		return out, "::numeric[]"
	default:
		out := make([]string, len(pks))
		for i, pk := range pks {
			out[i] = pk.String()
		}
		return out, ""
	}
}

// DeleteByPrimaryKeys deletes exactly the given primary keys inside the
// supplied transaction and returns the number of rows affected.
func DeleteByPrimaryKeys(ctx context.Context, tx *Tx, ref TableRef, pks []rowjson.Value) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	qualified, err := QuoteQualified(ref.Schema, ref.Table)
	if err != nil {
		return 0, err
	}
	pkCol, err := QuoteIdentifier(ref.PrimaryKey)
	if err != nil {
		return 0, err
	}

	arg, cast := pkArgs(pks)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1%s)", qualified, pkCol, cast)
	return tx.Exec(ctx, query, arg)
}

// ExistingPrimaryKeys returns the canonical string form of the given
// primary keys that are still present in the source table. After a
// committed delete the result must be empty.
func (db *DB) ExistingPrimaryKeys(ctx context.Context, ref TableRef, pks []rowjson.Value) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(pks) == 0 {
		return nil, nil
	}
	qualified, err := QuoteQualified(ref.Schema, ref.Table)
	if err != nil {
		return nil, err
	}
	pkCol, err := QuoteIdentifier(ref.PrimaryKey)
	if err != nil {
		return nil, err
	}

	arg, cast := pkArgs(pks)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1%s)", pkCol, qualified, pkCol, cast)
	rows, err := db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, Error.New("select existing primary keys from %s: %w", qualified, err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		value, _ := rowjson.FromAny(values[0])
		found = append(found, value.String())
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return found, nil
}
