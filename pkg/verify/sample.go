// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package verify

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// SampleConfig bounds the random sample drawn for post-upload and
// post-delete verification.
type SampleConfig struct {
	Percent    float64
	MinSamples int
	MaxSamples int
	Seed       int64 // non-zero pins the PRNG for deterministic tests
}

// DefaultSampleConfig mirrors the production defaults.
var DefaultSampleConfig = SampleConfig{
	Percent:    0.01,
	MinSamples: 10,
	MaxSamples: 100,
}

// Sampler draws uniform random samples of primary keys.
type Sampler struct {
	log    *zap.Logger
	config SampleConfig
	rng    *rand.Rand
}

// NewSampler creates a sampler.
func NewSampler(log *zap.Logger, config SampleConfig) *Sampler {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Sampler{
		log:    log,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// SampleSize returns clamp(min, ceil(pct*n), max), bounded by n itself.
func (s *Sampler) SampleSize(n int) int {
	if n == 0 {
		return 0
	}
	size := int(math.Ceil(s.config.Percent * float64(n)))
	if size < s.config.MinSamples {
		size = s.config.MinSamples
	}
	if s.config.MaxSamples > 0 && size > s.config.MaxSamples {
		size = s.config.MaxSamples
	}
	if size > n {
		size = n
	}
	return size
}

// Sample returns a uniform random sample of the given primary keys.
func (s *Sampler) Sample(pks []string) []string {
	size := s.SampleSize(len(pks))
	if size == 0 {
		return nil
	}
	indexes := s.rng.Perm(len(pks))[:size]
	sample := make([]string, 0, size)
	for _, idx := range indexes {
		sample = append(sample, pks[idx])
	}
	return sample
}

// SampleInObject streams the JSONL payload and confirms every sampled
// primary key appears in the uploaded object.
func SampleInObject(jsonl []byte, pkColumn string, sample []string) error {
	if len(sample) == 0 {
		return nil
	}

	remaining := make(map[string]struct{}, len(sample))
	for _, pk := range sample {
		remaining[pk] = struct{}{}
	}

	scanner := bufio.NewScanner(bytes.NewReader(jsonl))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		pk, err := primaryKeyFromLine(line, pkColumn)
		if err != nil {
			return err
		}
		delete(remaining, pk)
		if len(remaining) == 0 {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Error.Wrap(err)
	}

	if len(remaining) > 0 {
		missing := make([]string, 0, mismatchLimit)
		for pk := range remaining {
			missing = append(missing, pk)
			if len(missing) == mismatchLimit {
				break
			}
		}
		return Error.New("sampled primary keys missing from archive object: %v", missing)
	}
	return nil
}

// FoundInSource converts primary keys still present in the source after
// delete into a verification error.
func FoundInSource(pks []string) error {
	if len(pks) == 0 {
		return nil
	}
	if len(pks) > mismatchLimit {
		pks = pks[:mismatchLimit]
	}
	return Error.New("sampled primary keys still present in source after delete: %v", pks)
}

func primaryKeyFromLine(line []byte, pkColumn string) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()
	var record map[string]any
	if err := decoder.Decode(&record); err != nil {
		return "", Error.New("invalid JSONL record: %w", err)
	}
	value, ok := record[pkColumn]
	if !ok {
		return "", Error.New("primary key column %q missing from record", pkColumn)
	}
	return fmt.Sprint(value), nil
}
