// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package schema

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/verify"
)

// TypeChange records a column whose data type changed between runs.
type TypeChange struct {
	Column       string `json:"column"`
	PreviousType string `json:"previous_type"`
	CurrentType  string `json:"current_type"`
}

// ConstraintChange records a changed constraint between runs.
type ConstraintChange struct {
	Type       string `json:"type"`
	Constraint string `json:"constraint,omitempty"`
}

// Drift is the diff between the current snapshot and the previous run's.
type Drift struct {
	HasDrift          bool               `json:"has_drift"`
	Changes           []string           `json:"changes"`
	ColumnAdditions   []string           `json:"column_additions"`
	ColumnRemovals    []string           `json:"column_removals"`
	ColumnTypeChanges []TypeChange       `json:"column_type_changes"`
	ConstraintChanges []ConstraintChange `json:"constraint_changes"`
}

// DriftChecker diffs schema snapshots across runs.
type DriftChecker struct {
	log         *zap.Logger
	failOnDrift bool
}

// NewDriftChecker creates a drift checker. When failOnDrift is set, any
// detected change is a verification failure for the table.
func NewDriftChecker(log *zap.Logger, failOnDrift bool) *DriftChecker {
	return &DriftChecker{log: log, failOnDrift: failOnDrift}
}

// Compare diffs current against previous. A nil previous snapshot (first
// run) reports no drift.
func (c *DriftChecker) Compare(current, previous *Snapshot) (Drift, error) {
	var drift Drift
	if previous == nil {
		c.log.Info("no previous schema snapshot, first archival run",
			zap.String("schema", current.SchemaName),
			zap.String("table", current.TableName))
		return drift, nil
	}

	previousColumns := map[string]Column{}
	for _, column := range previous.Columns {
		previousColumns[column.Name] = column
	}

	for _, column := range current.Columns {
		before, existed := previousColumns[column.Name]
		if !existed {
			drift.ColumnAdditions = append(drift.ColumnAdditions, column.Name)
			drift.Changes = append(drift.Changes, "column added: "+column.Name)
			continue
		}
		if column.DataType != before.DataType {
			drift.ColumnTypeChanges = append(drift.ColumnTypeChanges, TypeChange{
				Column:       column.Name,
				PreviousType: before.DataType,
				CurrentType:  column.DataType,
			})
			drift.Changes = append(drift.Changes, fmt.Sprintf(
				"column type changed: %s (%s -> %s)", column.Name, before.DataType, column.DataType))
		}
		if column.IsNullable != before.IsNullable {
			drift.Changes = append(drift.Changes, fmt.Sprintf(
				"column nullable changed: %s (%v -> %v)", column.Name, before.IsNullable, column.IsNullable))
		}
	}

	for _, column := range previous.Columns {
		if _, exists := current.Column(column.Name); !exists {
			drift.ColumnRemovals = append(drift.ColumnRemovals, column.Name)
			drift.Changes = append(drift.Changes, "column removed: "+column.Name)
		}
	}

	if !reflect.DeepEqual(current.PrimaryKey, previous.PrimaryKey) {
		drift.ConstraintChanges = append(drift.ConstraintChanges, ConstraintChange{Type: "primary_key"})
		drift.Changes = append(drift.Changes, "primary key changed")
	}

	currentFKs := map[string]ForeignKey{}
	for _, fk := range current.ForeignKeys {
		currentFKs[fk.ConstraintName] = fk
	}
	previousFKs := map[string]ForeignKey{}
	for _, fk := range previous.ForeignKeys {
		previousFKs[fk.ConstraintName] = fk
	}
	for name := range currentFKs {
		if _, existed := previousFKs[name]; !existed {
			drift.ConstraintChanges = append(drift.ConstraintChanges, ConstraintChange{
				Type: "foreign_key_added", Constraint: name,
			})
			drift.Changes = append(drift.Changes, "foreign key added: "+name)
		}
	}
	for name := range previousFKs {
		if _, exists := currentFKs[name]; !exists {
			drift.ConstraintChanges = append(drift.ConstraintChanges, ConstraintChange{
				Type: "foreign_key_removed", Constraint: name,
			})
			drift.Changes = append(drift.Changes, "foreign key removed: "+name)
		}
	}

	drift.HasDrift = len(drift.Changes) > 0
	if drift.HasDrift {
		c.log.Warn("schema drift detected",
			zap.String("schema", current.SchemaName),
			zap.String("table", current.TableName),
			zap.Strings("changes", drift.Changes))
		if c.failOnDrift {
			return drift, verify.Error.New("schema drift on %s.%s: %v",
				current.SchemaName, current.TableName, drift.Changes)
		}
	}
	return drift, nil
}
