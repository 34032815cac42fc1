// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// MultipartConfig bounds when and how multipart uploads run.
type MultipartConfig struct {
	Threshold   int64 // switch to multipart at this file size
	MaxPartSize int64
	MinPartSize int64
	MaxParts    int64
}

// DefaultMultipartConfig mirrors the S3 service limits.
var DefaultMultipartConfig = MultipartConfig{
	Threshold:   100 * 1024 * 1024,
	MinPartSize: 5 * 1024 * 1024,
	MaxPartSize: 5 * 1024 * 1024 * 1024,
	MaxParts:    10000,
}

func (config MultipartConfig) withDefaults() MultipartConfig {
	if config.Threshold <= 0 {
		config.Threshold = DefaultMultipartConfig.Threshold
	}
	if config.MinPartSize <= 0 {
		config.MinPartSize = DefaultMultipartConfig.MinPartSize
	}
	if config.MaxPartSize <= 0 {
		config.MaxPartSize = DefaultMultipartConfig.MaxPartSize
	}
	if config.MaxParts <= 0 {
		config.MaxParts = DefaultMultipartConfig.MaxParts
	}
	return config
}

// required reports whether a payload of the given size must use multipart:
// at or above the threshold, or too large for a single part.
func (config MultipartConfig) required(size int64) bool {
	config = config.withDefaults()
	return size >= config.Threshold || size > config.MaxPartSize
}

// PartSize returns the part size for a payload: max(min part size,
// ceil(size/max parts)), capped at the max part size.
func (config MultipartConfig) PartSize(size int64) int64 {
	config = config.withDefaults()
	partSize := (size + config.MaxParts - 1) / config.MaxParts
	if partSize < config.MinPartSize {
		partSize = config.MinPartSize
	}
	if partSize > config.MaxPartSize {
		partSize = config.MaxPartSize
	}
	return partSize
}

// multipartState is the on-disk journal of an in-flight multipart upload.
// It is rewritten after every uploaded part so a crashed upload resumes
// from the first missing part.
type multipartState struct {
	UploadID   string          `json:"upload_id"`
	Key        string          `json:"key"`
	PartSize   int64           `json:"part_size"`
	TotalParts int64           `json:"total_parts"`
	Uploaded   []multipartPart `json:"uploaded_parts"`
}

type multipartPart struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

type multipartJournalDir struct {
	dir string
}

func newMultipartJournalDir(stateDir string) *multipartJournalDir {
	return &multipartJournalDir{dir: filepath.Join(stateDir, "multipart")}
}

func (j *multipartJournalDir) path(key string) string {
	digest := sha1.Sum([]byte(key))
	return filepath.Join(j.dir, hex.EncodeToString(digest[:])+".json")
}

func (j *multipartJournalDir) load(key string) (*multipartState, error) {
	data, err := os.ReadFile(j.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	var state multipartState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, Error.New("corrupt multipart journal for %q: %w", key, err)
	}
	return &state, nil
}

func (j *multipartJournalDir) save(state *multipartState) error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return Error.Wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return Error.Wrap(err)
	}
	tmp := j.path(state.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, j.path(state.Key)))
}

func (j *multipartJournalDir) remove(key string) error {
	err := os.Remove(j.path(key))
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

func (client *S3Client) uploadMultipart(ctx context.Context, path, resolvedKey string, size int64) (_ UploadInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	config := client.config.Multipart.withDefaults()
	partSize := config.PartSize(size)
	totalParts := (size + partSize - 1) / partSize

	state, err := client.journal.load(resolvedKey)
	if err != nil {
		return UploadInfo{}, err
	}
	if state != nil && (state.PartSize != partSize || state.TotalParts != totalParts) {
		// journal from a different payload; abort the stale upload
		client.abortMultipart(ctx, state)
		state = nil
	}

	if state == nil {
		var created *s3.CreateMultipartUploadOutput
		err = client.request(ctx, "create multipart "+resolvedKey, func() error {
			var err error
			input := &s3.CreateMultipartUploadInput{
				Bucket: aws.String(client.config.Bucket),
				Key:    aws.String(resolvedKey),
			}
			if client.config.StorageClass != "" {
				input.StorageClass = s3types.StorageClass(client.config.StorageClass)
			}
			created, err = client.api.CreateMultipartUpload(ctx, input)
			return err
		})
		if err != nil {
			return UploadInfo{}, Error.New("create multipart %q: %w", resolvedKey, err)
		}
		state = &multipartState{
			UploadID:   aws.ToString(created.UploadId),
			Key:        resolvedKey,
			PartSize:   partSize,
			TotalParts: totalParts,
		}
		if err := client.journal.save(state); err != nil {
			client.abortMultipart(ctx, state)
			return UploadInfo{}, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return UploadInfo{}, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	done := make(map[int32]bool, len(state.Uploaded))
	for _, part := range state.Uploaded {
		done[part.Number] = true
	}

	buffer := make([]byte, partSize)
	for number := int32(1); int64(number) <= totalParts; number++ {
		if done[number] {
			continue
		}

		offset := int64(number-1) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		if _, err := file.ReadAt(buffer[:length], offset); err != nil {
			client.abortMultipart(ctx, state)
			return UploadInfo{}, Error.Wrap(err)
		}

		var uploaded *s3.UploadPartOutput
		err = client.request(ctx, "upload part "+resolvedKey, func() error {
			var err error
			uploaded, err = client.api.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(client.config.Bucket),
				Key:        aws.String(resolvedKey),
				UploadId:   aws.String(state.UploadID),
				PartNumber: aws.Int32(number),
				Body:       bytes.NewReader(buffer[:length]),
			})
			return err
		})
		if err != nil {
			client.abortMultipart(ctx, state)
			return UploadInfo{}, Error.New("upload part %d of %q: %w", number, resolvedKey, err)
		}

		state.Uploaded = append(state.Uploaded, multipartPart{
			Number: number,
			ETag:   aws.ToString(uploaded.ETag),
		})
		if err := client.journal.save(state); err != nil {
			client.abortMultipart(ctx, state)
			return UploadInfo{}, err
		}
		client.log.Debug("multipart part uploaded",
			zap.String("key", resolvedKey),
			zap.Int32("part", number),
			zap.Int64("total_parts", totalParts))
	}

	sort.Slice(state.Uploaded, func(i, j int) bool {
		return state.Uploaded[i].Number < state.Uploaded[j].Number
	})
	completed := make([]s3types.CompletedPart, 0, len(state.Uploaded))
	for _, part := range state.Uploaded {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(part.Number),
			ETag:       aws.String(part.ETag),
		})
	}

	err = client.request(ctx, "complete multipart "+resolvedKey, func() error {
		_, err := client.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(client.config.Bucket),
			Key:      aws.String(resolvedKey),
			UploadId: aws.String(state.UploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		return err
	})
	if err != nil {
		client.abortMultipart(ctx, state)
		return UploadInfo{}, Error.New("complete multipart %q: %w", resolvedKey, err)
	}

	if err := client.journal.remove(resolvedKey); err != nil {
		return UploadInfo{}, err
	}
	mon.Counter("objectstore_bytes_uploaded").Inc(size)
	return UploadInfo{Bucket: client.config.Bucket, Key: resolvedKey, Size: size}, nil
}

// abortMultipart aborts an in-flight upload and drops its journal. Errors
// are logged: the bucket's lifecycle rules reap leaked uploads eventually.
func (client *S3Client) abortMultipart(ctx context.Context, state *multipartState) {
	_, err := client.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(client.config.Bucket),
		Key:      aws.String(state.Key),
		UploadId: aws.String(state.UploadID),
	})
	if err != nil {
		client.log.Warn("failed to abort multipart upload",
			zap.String("key", state.Key),
			zap.String("upload_id", state.UploadID),
			zap.Error(err))
	}
	if err := client.journal.remove(state.Key); err != nil {
		client.log.Warn("failed to remove multipart journal",
			zap.String("key", state.Key),
			zap.Error(err))
	}
}
