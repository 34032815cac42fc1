// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package verify_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/verify"
)

func TestCounts(t *testing.T) {
	require.NoError(t, verify.Counts(10, 10, 10))
	require.NoError(t, verify.Counts(0, 0, 0))

	err := verify.Counts(9, 10, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db/memory")

	err = verify.Counts(10, 10, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory/store")
}

func TestPrimaryKeys(t *testing.T) {
	require.NoError(t, verify.PrimaryKeys(nil, nil))
	require.NoError(t, verify.PrimaryKeys([]string{"1", "2"}, []string{"2", "1"}))

	err := verify.PrimaryKeys([]string{"1", "2", "3"}, []string{"1", "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing=[3]")

	err = verify.PrimaryKeys([]string{"1"}, []string{"1", "9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra=[9]")
}

func TestPrimaryKeysMismatchLimit(t *testing.T) {
	var fetched []string
	for i := 0; i < 50; i++ {
		fetched = append(fetched, fmt.Sprint(i))
	}
	err := verify.PrimaryKeys(fetched, nil)
	require.Error(t, err)
	// at most ten offending keys in the message
	assert.LessOrEqual(t, strings.Count(err.Error(), " "), 20)
}

func TestSampleSize(t *testing.T) {
	sampler := verify.NewSampler(zaptest.NewLogger(t), verify.SampleConfig{
		Percent:    0.01,
		MinSamples: 10,
		MaxSamples: 100,
		Seed:       1,
	})

	assert.Equal(t, 0, sampler.SampleSize(0))
	assert.Equal(t, 5, sampler.SampleSize(5))       // bounded by n
	assert.Equal(t, 10, sampler.SampleSize(100))    // min wins
	assert.Equal(t, 50, sampler.SampleSize(5000))   // pct wins
	assert.Equal(t, 100, sampler.SampleSize(99999)) // max wins
}

func TestSample(t *testing.T) {
	sampler := verify.NewSampler(zaptest.NewLogger(t), verify.SampleConfig{
		Percent:    0.5,
		MinSamples: 2,
		MaxSamples: 4,
		Seed:       42,
	})

	pks := []string{"a", "b", "c", "d", "e", "f"}
	sample := sampler.Sample(pks)
	require.Len(t, sample, 3)

	seen := map[string]bool{}
	for _, pk := range sample {
		assert.Contains(t, pks, pk)
		assert.False(t, seen[pk], "duplicate sample %q", pk)
		seen[pk] = true
	}
}

func TestSampleInObject(t *testing.T) {
	jsonl := strings.Join([]string{
		`{"id":1,"payload":"x"}`,
		`{"id":2,"payload":"y"}`,
		`{"id":3,"payload":"z"}`,
	}, "\n")

	require.NoError(t, verify.SampleInObject([]byte(jsonl), "id", []string{"1", "3"}))
	require.NoError(t, verify.SampleInObject([]byte(jsonl), "id", nil))

	err := verify.SampleInObject([]byte(jsonl), "id", []string{"7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from archive object")

	err = verify.SampleInObject([]byte(jsonl), "nope", []string{"1"})
	require.Error(t, err)
}

func TestFoundInSource(t *testing.T) {
	require.NoError(t, verify.FoundInSource(nil))

	err := verify.FoundInSource([]string{"11", "12"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still present in source")
	assert.True(t, verify.Error.Has(err))
}
