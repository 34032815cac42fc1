// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package schema

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Detector reads table definitions from the system catalog.
type Detector struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// NewDetector creates a detector against one database.
func NewDetector(log *zap.Logger, pool *pgxpool.Pool) *Detector {
	return &Detector{log: log, pool: pool}
}

// Detect captures the full snapshot of one table: columns, primary key,
// foreign keys, indexes, check and unique constraints.
func (d *Detector) Detect(ctx context.Context, schemaName, tableName string) (_ *Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot := &Snapshot{SchemaName: schemaName, TableName: tableName}

	if snapshot.Columns, err = d.columns(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if len(snapshot.Columns) == 0 {
		return nil, Error.New("table %s.%s not found", schemaName, tableName)
	}
	if snapshot.PrimaryKey, err = d.primaryKey(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if snapshot.ForeignKeys, err = d.foreignKeys(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if snapshot.Indexes, err = d.indexes(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if snapshot.CheckConstraints, err = d.checkConstraints(ctx, schemaName, tableName); err != nil {
		return nil, err
	}
	if snapshot.UniqueConstraints, err = d.uniqueConstraints(ctx, schemaName, tableName); err != nil {
		return nil, err
	}

	d.log.Debug("table schema captured",
		zap.String("schema", schemaName),
		zap.String("table", tableName),
		zap.Int("columns", len(snapshot.Columns)),
		zap.Int("indexes", len(snapshot.Indexes)))
	return snapshot, nil
}

func (d *Detector) columns(ctx context.Context, schemaName, tableName string) ([]Column, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.udt_name,
			c.character_maximum_length,
			c.numeric_precision,
			c.numeric_scale,
			c.is_nullable,
			c.column_default,
			c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1
		  AND c.table_name = $2
		ORDER BY c.ordinal_position
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query columns of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var column Column
		var nullable string
		if err := rows.Scan(
			&column.Name, &column.DataType, &column.UDTName,
			&column.MaxLength, &column.NumericPrecision, &column.NumericScale,
			&nullable, &column.Default, &column.OrdinalPosition,
		); err != nil {
			return nil, Error.Wrap(err)
		}
		column.IsNullable = nullable == "YES"
		columns = append(columns, column)
	}
	return columns, Error.Wrap(rows.Err())
}

func (d *Detector) primaryKey(ctx context.Context, schemaName, tableName string) (*KeyConstraint, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			tc.constraint_name,
			array_agg(kcu.column_name ORDER BY kcu.ordinal_position) AS columns
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.table_schema = $1
		  AND tc.table_name = $2
		  AND tc.constraint_type = 'PRIMARY KEY'
		GROUP BY tc.constraint_name
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query primary key of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, Error.Wrap(rows.Err())
	}
	var pk KeyConstraint
	if err := rows.Scan(&pk.ConstraintName, &pk.Columns); err != nil {
		return nil, Error.Wrap(err)
	}
	return &pk, Error.Wrap(rows.Err())
}

func (d *Detector) foreignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKey, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			ccu.table_schema AS foreign_table_schema,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query foreign keys of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var keys []ForeignKey
	index := map[string]int{}
	for rows.Next() {
		var constraint, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&constraint, &column, &refSchema, &refTable, &refColumn); err != nil {
			return nil, Error.Wrap(err)
		}
		i, ok := index[constraint]
		if !ok {
			i = len(keys)
			index[constraint] = i
			keys = append(keys, ForeignKey{
				ConstraintName:   constraint,
				ReferencedSchema: refSchema,
				ReferencedTable:  refTable,
			})
		}
		keys[i].Columns = append(keys[i].Columns, column)
		keys[i].ReferencedColumns = append(keys[i].ReferencedColumns, refColumn)
	}
	return keys, Error.Wrap(rows.Err())
}

func (d *Detector) indexes(ctx context.Context, schemaName, tableName string) ([]Index, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			i.indexname,
			i.indexdef,
			array_agg(a.attname ORDER BY array_position(ix.indkey, a.attnum)) AS columns,
			ix.indisunique
		FROM pg_indexes i
		JOIN pg_class c ON c.relname = i.indexname
		JOIN pg_index ix ON ix.indexrelid = c.oid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE i.schemaname = $1
		  AND i.tablename = $2
		  AND NOT ix.indisprimary
		GROUP BY i.indexname, i.indexdef, ix.indisunique
		ORDER BY i.indexname
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query indexes of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var index Index
		if err := rows.Scan(&index.Name, &index.Definition, &index.Columns, &index.IsUnique); err != nil {
			return nil, Error.Wrap(err)
		}
		indexes = append(indexes, index)
	}
	return indexes, Error.Wrap(rows.Err())
}

func (d *Detector) checkConstraints(ctx context.Context, schemaName, tableName string) ([]CheckConstraint, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			constraint_name,
			check_clause
		FROM information_schema.check_constraints cc
		WHERE cc.constraint_name IN (
			SELECT constraint_name
			FROM information_schema.table_constraints
			WHERE table_schema = $1
			  AND table_name = $2
			  AND constraint_type = 'CHECK'
		)
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query check constraints of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var constraints []CheckConstraint
	for rows.Next() {
		var constraint CheckConstraint
		if err := rows.Scan(&constraint.ConstraintName, &constraint.CheckClause); err != nil {
			return nil, Error.Wrap(err)
		}
		constraints = append(constraints, constraint)
	}
	return constraints, Error.Wrap(rows.Err())
}

func (d *Detector) uniqueConstraints(ctx context.Context, schemaName, tableName string) ([]KeyConstraint, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT
			tc.constraint_name,
			array_agg(kcu.column_name ORDER BY kcu.ordinal_position) AS columns
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.table_schema = $1
		  AND tc.table_name = $2
		  AND tc.constraint_type = 'UNIQUE'
		GROUP BY tc.constraint_name
	`, schemaName, tableName)
	if err != nil {
		return nil, Error.New("query unique constraints of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var constraints []KeyConstraint
	for rows.Next() {
		var constraint KeyConstraint
		if err := rows.Scan(&constraint.ConstraintName, &constraint.Columns); err != nil {
			return nil, Error.Wrap(err)
		}
		constraints = append(constraints, constraint)
	}
	return constraints, Error.Wrap(rows.Err())
}
