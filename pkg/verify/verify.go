// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package verify implements the integrity checks that gate row deletion.
package verify

import (
	"github.com/zeebo/errs"
)

// Error is the class for verification failures. Verification failures are
// always fatal for the batch: no delete may run after one.
var Error = errs.Class("verification")

// Counts verifies three-way count equality between the database, the
// in-memory batch, and the stored object. On inequality the error names the
// disagreeing pair with all three values in context.
func Counts(dbCount, memoryCount, storeCount int64) error {
	switch {
	case dbCount != memoryCount:
		return Error.New("db/memory count mismatch: db=%d memory=%d store=%d",
			dbCount, memoryCount, storeCount)
	case memoryCount != storeCount:
		return Error.New("memory/store count mismatch: db=%d memory=%d store=%d",
			dbCount, memoryCount, storeCount)
	case dbCount != storeCount:
		return Error.New("db/store count mismatch: db=%d memory=%d store=%d",
			dbCount, memoryCount, storeCount)
	}
	return nil
}

// mismatchLimit caps how many offending keys a mismatch error reports.
const mismatchLimit = 10

// PrimaryKeys verifies order-independent set equality between the fetched
// and to-be-deleted primary keys. Keys are compared by canonical string
// form. Up to ten missing and ten extra keys are reported on mismatch.
func PrimaryKeys(fetched, deletes []string) error {
	fetchedSet := make(map[string]struct{}, len(fetched))
	for _, pk := range fetched {
		fetchedSet[pk] = struct{}{}
	}
	deleteSet := make(map[string]struct{}, len(deletes))
	for _, pk := range deletes {
		deleteSet[pk] = struct{}{}
	}

	var missing, extra []string
	for _, pk := range fetched {
		if _, ok := deleteSet[pk]; !ok && len(missing) < mismatchLimit {
			missing = append(missing, pk)
		}
	}
	for _, pk := range deletes {
		if _, ok := fetchedSet[pk]; !ok && len(extra) < mismatchLimit {
			extra = append(extra, pk)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		return Error.New("primary key set mismatch: fetched=%d deletes=%d missing=%v extra=%v",
			len(fetchedSet), len(deleteSet), missing, extra)
	}
	return nil
}
