// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"regexp"

	"github.com/zeebo/errs"
)

// ErrConfig is the class for configuration level failures in SQL
// construction.
var ErrConfig = errs.Class("config")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdentifier validates a schema, table or column name and returns it
// double-quoted. Anything outside ^[A-Za-z_][A-Za-z0-9_]*$ is a
// configuration error; raw values never reach the driver.
func QuoteIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", ErrConfig.New("unsafe identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// QuoteQualified validates and quotes a schema-qualified table name.
func QuoteQualified(schema, table string) (string, error) {
	quotedSchema, err := QuoteIdentifier(schema)
	if err != nil {
		return "", err
	}
	quotedTable, err := QuoteIdentifier(table)
	if err != nil {
		return "", err
	}
	return quotedSchema + "." + quotedTable, nil
}
