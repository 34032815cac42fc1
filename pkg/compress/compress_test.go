// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package compress_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/audit-archiver/internal/testrand"
	"storj.io/audit-archiver/pkg/compress"
)

func TestCompressorLevels(t *testing.T) {
	for _, level := range []int{0, 10, -1} {
		_, err := compress.NewCompressor(level)
		require.Error(t, err, "level %d", level)
	}
	for level := 1; level <= 9; level++ {
		_, err := compress.NewCompressor(level)
		require.NoError(t, err, "level %d", level)
	}
}

func TestRoundTrip(t *testing.T) {
	compressor, err := compress.NewCompressor(compress.DefaultLevel)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte(`{"id":1,"status":"ok"}`+"\n"), 500)
	compressed, uncompressedSize, compressedSize, err := compressor.Compress(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), uncompressedSize)
	assert.Equal(t, int64(len(compressed)), compressedSize)
	assert.Less(t, compressedSize, uncompressedSize)

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestDeterministicOutput(t *testing.T) {
	compressor, err := compress.NewCompressor(6)
	require.NoError(t, err)

	payload := testrand.Bytes(4096)
	first, _, _, err := compressor.Compress(payload)
	require.NoError(t, err)
	second, _, _, err := compressor.Compress(payload)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecompressCorrupt(t *testing.T) {
	compressor, err := compress.NewCompressor(6)
	require.NoError(t, err)

	_, err = compressor.Decompress([]byte("not gzip at all"))
	require.Error(t, err)
	assert.True(t, compress.Error.Has(err))

	compressed, _, _, err := compressor.Compress(testrand.Bytes(10000))
	require.NoError(t, err)

	truncated := compressed[:len(compressed)/2]
	_, err = compressor.Decompress(truncated)
	require.Error(t, err)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, compress.Ratio(0, 0))
	assert.Equal(t, 0.5, compress.Ratio(100, 50))
	assert.Equal(t, 1.0, compress.Ratio(10, 10))
}
