// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package compress wraps gzip encoding of archive payloads.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/zeebo/errs"
)

// Error is the class for compression failures.
var Error = errs.Class("compress")

// DefaultLevel is the gzip level used when none is configured.
const DefaultLevel = 6

// Compressor gzip encodes byte buffers at a fixed level.
type Compressor struct {
	level int
}

// NewCompressor returns a compressor for the given gzip level in [1,9].
func NewCompressor(level int) (*Compressor, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		return nil, Error.New("invalid gzip level %d: must be within [1,9]", level)
	}
	return &Compressor{level: level}, nil
}

// Level returns the configured gzip level.
func (c *Compressor) Level() int { return c.level }

// Compress gzip encodes data and reports the uncompressed and compressed
// sizes. The gzip header mtime is zeroed so identical input produces
// identical output.
func (c *Compressor) Compress(data []byte) (compressed []byte, uncompressedSize, compressedSize int64, err error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, 0, 0, Error.Wrap(err)
	}
	// leave ModTime as the zero time for reproducible output

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, 0, 0, Error.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, 0, Error.Wrap(err)
	}

	compressed = buf.Bytes()
	return compressed, int64(len(data)), int64(len(compressed)), nil
}

// Decompress decodes gzip data. Truncated or corrupt input returns a
// compression error.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, Error.New("invalid gzip stream: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, Error.New("corrupt gzip stream: %w", err)
	}
	return out, nil
}

// Ratio returns compressedSize/uncompressedSize, or zero for empty input.
func Ratio(uncompressedSize, compressedSize int64) float64 {
	if uncompressedSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(uncompressedSize)
}
