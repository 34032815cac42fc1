// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// S3Client implements Client against an S3-compatible store.
type S3Client struct {
	log     *zap.Logger
	api     *s3.Client
	config  Config
	limiter *RateLimiter
	journal *multipartJournalDir
}

var _ Client = (*S3Client)(nil)

// NewS3Client dials an S3-compatible endpoint.
func NewS3Client(ctx context.Context, log *zap.Logger, config Config, stateDir string) (*S3Client, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	api := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if config.Endpoint != "" {
			options.BaseEndpoint = aws.String(config.Endpoint)
			options.UsePathStyle = true
		}
	})

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	return &S3Client{
		log:     log,
		api:     api,
		config:  config,
		limiter: NewRateLimiter(log, rps),
		journal: newMultipartJournalDir(stateDir),
	}, nil
}

// NewS3ClientFromAPI wires an already constructed SDK client, for tests
// against fake endpoints.
func NewS3ClientFromAPI(log *zap.Logger, api *s3.Client, config Config, stateDir string) *S3Client {
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	return &S3Client{
		log:     log,
		api:     api,
		config:  config,
		limiter: NewRateLimiter(log, rps),
		journal: newMultipartJournalDir(stateDir),
	}
}

// RateLimiter exposes the client's token bucket.
func (client *S3Client) RateLimiter() *RateLimiter { return client.limiter }

func (client *S3Client) resolve(key string) string {
	return JoinPrefix(client.config.Prefix, key)
}

func (client *S3Client) request(ctx context.Context, op string, fn func() error) error {
	return WithRetry(ctx, client.log, client.config.Retry, op, func() error {
		if _, err := client.limiter.Acquire(ctx, 1, true); err != nil {
			return err
		}
		err := fn()
		if isSlowDown(err) {
			if slowErr := client.limiter.Slowdown(ctx, retryAfterHint(err)); slowErr != nil {
				return slowErr
			}
		}
		return err
	})
}

// retryAfterHint extracts the Retry-After header from a throttled response.
func retryAfterHint(err error) time.Duration {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) || respErr.Response == nil {
		return 0
	}
	header := respErr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, parseErr := strconv.Atoi(header)
	if parseErr != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func isSlowDown(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "SlowDown" || code == "ServiceUnavailable" || code == "RequestLimitExceeded"
	}
	return false
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var coder statusCoder
	return errors.As(err, &coder) && coder.HTTPStatusCode() == 404
}

// Upload stores data at key.
func (client *S3Client) Upload(ctx context.Context, key string, data []byte) (_ UploadInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	resolved := client.resolve(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(client.config.Bucket),
		Key:    aws.String(resolved),
		Body:   bytes.NewReader(data),
	}
	if client.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(client.config.StorageClass)
	}

	err = client.request(ctx, "put "+resolved, func() error {
		input.Body = bytes.NewReader(data)
		_, err := client.api.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return UploadInfo{}, Error.New("upload %q: %w", resolved, err)
	}

	mon.Counter("objectstore_bytes_uploaded").Inc(int64(len(data)))
	return UploadInfo{Bucket: client.config.Bucket, Key: resolved, Size: int64(len(data))}, nil
}

// UploadFile stores the file at path under key. Files at or above the
// multipart threshold use a journaled multipart upload that resumes from the
// first missing part after a crash.
func (client *S3Client) UploadFile(ctx context.Context, path, key string) (_ UploadInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := os.Stat(path)
	if err != nil {
		return UploadInfo{}, Error.Wrap(err)
	}
	if client.config.Multipart.required(info.Size()) {
		return client.uploadMultipart(ctx, path, client.resolve(key), info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return UploadInfo{}, Error.Wrap(err)
	}
	return client.Upload(ctx, key, data)
}

// ObjectExists reports whether key exists.
func (client *S3Client) ObjectExists(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = client.HeadObject(ctx, key)
	if err != nil {
		if ErrNotFound.Has(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HeadObject returns object metadata without the body.
func (client *S3Client) HeadObject(ctx context.Context, key string) (_ ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	resolved := client.resolve(key)
	var output *s3.HeadObjectOutput
	err = client.request(ctx, "head "+resolved, func() error {
		var err error
		output, err = client.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(client.config.Bucket),
			Key:    aws.String(resolved),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound.New("%s", resolved)
		}
		return ObjectInfo{}, Error.New("head %q: %w", resolved, err)
	}

	result := ObjectInfo{Key: resolved, ETag: aws.ToString(output.ETag)}
	if output.ContentLength != nil {
		result.Size = *output.ContentLength
	}
	if output.LastModified != nil {
		result.LastModified = *output.LastModified
	}
	return result, nil
}

// GetObjectBytes downloads the full object at key.
func (client *S3Client) GetObjectBytes(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	resolved := client.resolve(key)
	var data []byte
	err = client.request(ctx, "get "+resolved, func() error {
		output, err := client.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(client.config.Bucket),
			Key:    aws.String(resolved),
		})
		if err != nil {
			return err
		}
		defer func() { _ = output.Body.Close() }()
		data, err = io.ReadAll(output.Body)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound.New("%s", resolved)
		}
		return nil, Error.New("get %q: %w", resolved, err)
	}
	return data, nil
}

// DeleteObject removes the object at key. Missing objects are not an error.
func (client *S3Client) DeleteObject(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	resolved := client.resolve(key)
	err = client.request(ctx, "delete "+resolved, func() error {
		_, err := client.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(client.config.Bucket),
			Key:    aws.String(resolved),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return Error.New("delete %q: %w", resolved, err)
	}
	return nil
}

// ListObjects returns objects under the store-relative prefix.
func (client *S3Client) ListObjects(ctx context.Context, prefix string) (_ []ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	resolved := client.resolve(prefix)
	if prefix != "" && !strings.HasSuffix(resolved, "/") && strings.HasSuffix(prefix, "/") {
		resolved += "/"
	}

	var results []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(client.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(client.config.Bucket),
		Prefix: aws.String(resolved),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err = client.request(ctx, "list "+resolved, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, Error.New("list %q: %w", resolved, err)
		}
		for _, object := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(object.Key), ETag: aws.ToString(object.ETag)}
			if object.Size != nil {
				info.Size = *object.Size
			}
			if object.LastModified != nil {
				info.LastModified = *object.LastModified
			}
			results = append(results, info)
		}
	}
	return results, nil
}
