// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package schema captures table definitions and detects drift between
// archival runs.
package schema

import (
	"github.com/zeebo/errs"
)

// Error is the class for schema capture failures.
var Error = errs.Class("schema")

// Snapshot is the stable-shape description of one table, stored in the
// first batch's metadata sidecar. Field names are part of the external
// contract.
type Snapshot struct {
	SchemaName string   `json:"schema_name"`
	TableName  string   `json:"table_name"`
	Columns    []Column `json:"columns"`

	PrimaryKey        *KeyConstraint    `json:"primary_key"`
	ForeignKeys       []ForeignKey      `json:"foreign_keys"`
	Indexes           []Index           `json:"indexes"`
	CheckConstraints  []CheckConstraint `json:"check_constraints"`
	UniqueConstraints []KeyConstraint   `json:"unique_constraints"`
}

// Column describes one table column.
type Column struct {
	Name             string  `json:"name"`
	DataType         string  `json:"data_type"`
	UDTName          string  `json:"udt_name"`
	MaxLength        *int64  `json:"character_maximum_length"`
	NumericPrecision *int64  `json:"numeric_precision"`
	NumericScale     *int64  `json:"numeric_scale"`
	IsNullable       bool    `json:"is_nullable"`
	Default          *string `json:"default"`
	OrdinalPosition  int64   `json:"ordinal_position"`
}

// KeyConstraint names an ordered set of key columns.
type KeyConstraint struct {
	ConstraintName string   `json:"constraint_name"`
	Columns        []string `json:"columns"`
}

// ForeignKey describes a foreign key constraint.
type ForeignKey struct {
	ConstraintName    string   `json:"constraint_name"`
	Columns           []string `json:"columns"`
	ReferencedSchema  string   `json:"referenced_schema"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
}

// Index describes a secondary index.
type Index struct {
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
	Columns    []string `json:"columns"`
	IsUnique   bool     `json:"is_unique"`
}

// CheckConstraint describes a check constraint.
type CheckConstraint struct {
	ConstraintName string `json:"constraint_name"`
	CheckClause    string `json:"check_clause"`
}

// Column returns the named column, if present.
func (s *Snapshot) Column(name string) (Column, bool) {
	for _, column := range s.Columns {
		if column.Name == name {
			return column, true
		}
	}
	return Column{}, false
}
