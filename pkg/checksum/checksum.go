// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package checksum provides the content hashing used to verify archives.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class for checksum failures.
var Error = errs.Class("checksum")

// SHA256Hex returns the lowercase hex encoded sha-256 digest of data.
func SHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// Equal reports whether two hex digests refer to the same hash.
// Comparison is case-insensitive and constant-time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(la), []byte(lb)) == 1
}

// Verify returns an error when the digest of data does not match expected.
func Verify(data []byte, expected string) error {
	actual := SHA256Hex(data)
	if !Equal(actual, expected) {
		return Error.New("mismatch: expected %s got %s", expected, actual)
	}
	return nil
}
