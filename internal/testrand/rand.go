// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Rand is a seeded source of random test values.
type Rand struct{ *rand.Rand }

// NewRand returns a Rand seeded from the clock.
func NewRand() *Rand {
	return &Rand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewRandFrom returns a Rand with a fixed seed.
func NewRandFrom(seed int64) *Rand {
	return &Rand{Rand: rand.New(rand.NewSource(seed))}
}

var global = NewRand()

// Bytes returns size random bytes.
func Bytes(size int) []byte {
	data := make([]byte, size)
	global.Read(data)
	return data
}

// Intn returns a random int in [0, n).
func Intn(n int) int { return global.Intn(n) }

// Int63n returns a random int64 in [0, n).
func Int63n(n int64) int64 { return global.Int63n(n) }

const letters = "abcdefghijklmnopqrstuvwxyz"

// Identifier returns a random lowercase identifier of the given length.
func Identifier(length int) string {
	data := make([]byte, length)
	for i := range data {
		data[i] = letters[global.Intn(len(letters))]
	}
	return string(data)
}

// UUID returns a random UUID.
func UUID() uuid.UUID {
	var id uuid.UUID
	global.Read(id[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// Timestamp returns a random UTC timestamp within the last year.
func Timestamp() time.Time {
	offset := time.Duration(global.Int63n(int64(365 * 24 * time.Hour)))
	return time.Now().UTC().Add(-offset).Truncate(time.Microsecond)
}
