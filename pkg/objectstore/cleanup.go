// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// StaleUpload describes an in-flight multipart upload left behind by a
// crashed run.
type StaleUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// CleanupStaleUploads aborts multipart uploads under prefix that were
// initiated more than olderThan ago. Uploads that disappear between listing
// and abort are not an error.
func (client *S3Client) CleanupStaleUploads(ctx context.Context, prefix string, olderThan time.Duration) (found, aborted int, err error) {
	defer mon.Task()(&ctx)(&err)

	stale, err := client.listStaleUploads(ctx, client.resolve(prefix), time.Now().Add(-olderThan))
	if err != nil {
		return 0, 0, err
	}
	found = len(stale)

	for _, upload := range stale {
		if err := client.abortUpload(ctx, upload); err != nil {
			return found, aborted, err
		}
		aborted++
		client.log.Info("aborted stale multipart upload",
			zap.String("key", upload.Key),
			zap.String("upload_id", upload.UploadID),
			zap.Time("initiated", upload.Initiated))
	}
	return found, aborted, nil
}

func (client *S3Client) listStaleUploads(ctx context.Context, resolvedPrefix string, threshold time.Time) (_ []StaleUpload, err error) {
	var stale []StaleUpload

	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(client.config.Bucket),
		Prefix: aws.String(resolvedPrefix),
	}
	for {
		var page *s3.ListMultipartUploadsOutput
		err = client.request(ctx, "list multipart uploads "+resolvedPrefix, func() error {
			var err error
			page, err = client.api.ListMultipartUploads(ctx, input)
			return err
		})
		if err != nil {
			return nil, Error.New("list multipart uploads %q: %w", resolvedPrefix, err)
		}

		for _, upload := range page.Uploads {
			if upload.Initiated == nil || !upload.Initiated.Before(threshold) {
				continue
			}
			stale = append(stale, StaleUpload{
				Key:       aws.ToString(upload.Key),
				UploadID:  aws.ToString(upload.UploadId),
				Initiated: *upload.Initiated,
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return stale, nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.UploadIdMarker = page.NextUploadIdMarker
	}
}

func (client *S3Client) abortUpload(ctx context.Context, upload StaleUpload) error {
	err := client.request(ctx, "abort multipart "+upload.Key, func() error {
		_, err := client.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(client.config.Bucket),
			Key:      aws.String(upload.Key),
			UploadId: aws.String(upload.UploadID),
		})
		return err
	})
	if err != nil && !isNoSuchUpload(err) {
		return Error.New("abort multipart %q: %w", upload.Key, err)
	}
	return nil
}

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
