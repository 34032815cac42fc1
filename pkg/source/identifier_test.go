// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/audit-archiver/pkg/source"
)

func TestQuoteIdentifier(t *testing.T) {
	for _, name := range []string{"audit_logs", "_private", "Table1", "a"} {
		quoted, err := source.QuoteIdentifier(name)
		require.NoError(t, err)
		assert.Equal(t, `"`+name+`"`, quoted)
	}

	for _, name := range []string{
		"",
		"1table",
		"audit-logs",
		"audit logs",
		`audit"logs`,
		"t;DROP TABLE x",
		"t--comment",
		"схема",
	} {
		_, err := source.QuoteIdentifier(name)
		require.Error(t, err, "expected rejection of %q", name)
		assert.True(t, source.ErrConfig.Has(err))
	}
}

func TestQuoteQualified(t *testing.T) {
	quoted, err := source.QuoteQualified("public", "audit_logs")
	require.NoError(t, err)
	assert.Equal(t, `"public"."audit_logs"`, quoted)

	_, err = source.QuoteQualified("public", "bad name")
	require.Error(t, err)
	_, err = source.QuoteQualified("bad schema", "audit_logs")
	require.Error(t, err)
}
