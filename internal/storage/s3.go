package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/common/config"
	"asisaid.cn/filestore/internal/common/errors"
	"asisaid.cn/filestore/internal/common/logger"
)

const defaultListPageSize = 1000

// S3Backend implements Backend on an S3-compatible bucket.
type S3Backend struct {
	client     *s3.Client
	bucket     string
	stagingDir string
	pageSize   int32
	logger     *zap.Logger
}

// NewS3Backend builds an S3 client from cfg. Requests are never retried.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	const op = "storage.NewS3Backend"

	if cfg.Bucket == "" {
		return nil, errors.E(op, errors.ErrConfiguration, nil, "bucket is required")
	}

	var options []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, errors.E(op, errors.ErrConfiguration, fmt.Errorf("unable to load AWS SDK config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.Retryer = aws.NopRetryer{}

		// S3-compatible stores do not all understand the SDK's default
		// flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log := logger.WithComponent("S3Backend")
	log.Info("S3 backend configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("use_path_style", cfg.UsePathStyle),
		zap.Bool("staging", cfg.StagingDir != ""),
	)

	return &S3Backend{
		client:     client,
		bucket:     cfg.Bucket,
		stagingDir: cfg.StagingDir,
		pageSize:   defaultListPageSize,
		logger:     log,
	}, nil
}

// Put uploads r under key with the given content type, replacing any existing object.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	const op = "S3Backend.Put"

	if err := ValidateKey(key); err != nil {
		return "", errors.Wrap(op, err)
	}

	// Signing over plain HTTP needs a seekable body.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to read data: %w", err))
		}
		body = bytes.NewReader(data)
	}

	if size > 0 {
		actual, err := body.Seek(0, io.SeekEnd)
		if err != nil {
			return "", errors.E(op, errors.ErrBackend, err)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return "", errors.E(op, errors.ErrBackend, err)
		}
		if actual != size {
			return "", errors.E(op, errors.ErrBackend, fmt.Errorf("size mismatch: expected %d, got %d", size, actual))
		}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", mapS3Error(op, key, err)
	}

	b.logger.Debug("object stored", zap.String("key", key), zap.Int64("size", size))
	return key, nil
}

// List returns every object in the bucket, following continuation tokens.
func (b *S3Backend) List(ctx context.Context) ([]*ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		MaxKeys: aws.Int32(b.pageSize),
	})

	var result []*ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("S3Backend.List", "", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := &ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			result = append(result, info)
		}
	}

	return result, nil
}

// Get downloads an object together with its stored content type.
func (b *S3Backend) Get(ctx context.Context, key string) (*Object, error) {
	const op = "S3Backend.Get"

	if err := ValidateKey(key); err != nil {
		return nil, errors.Wrap(op, err)
	}

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(op, key, err)
	}

	contentType := aws.ToString(output.ContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Object{
		Body:        output.Body,
		ContentType: contentType,
		Size:        aws.ToInt64(output.ContentLength),
	}, nil
}

// Delete removes an object. S3 deletes are idempotent, so existence is
// checked first to report absent keys as not found.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	const op = "S3Backend.Delete"

	if err := ValidateKey(key); err != nil {
		return errors.Wrap(op, err)
	}

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error(op, key, err)
	}

	return b.deleteObject(ctx, op, key)
}

// DeleteAll lists the whole bucket and deletes objects one by one.
func (b *S3Backend) DeleteAll(ctx context.Context) error {
	const op = "S3Backend.DeleteAll"

	objects, err := b.List(ctx)
	if err != nil {
		return errors.Wrap(op, err)
	}

	for _, obj := range objects {
		if err := b.deleteObject(ctx, op, obj.Key); err != nil {
			return err
		}
	}

	b.logger.Info("all objects deleted", zap.Int("count", len(objects)))
	return nil
}

// Stage copies key to stagingDir/key and returns the local path. It returns
// an empty path when no staging directory is configured.
func (b *S3Backend) Stage(ctx context.Context, key string) (string, error) {
	const op = "S3Backend.Stage"

	if b.stagingDir == "" {
		return "", nil
	}

	obj, err := b.Get(ctx, key)
	if err != nil {
		return "", errors.Wrap(op, err)
	}
	defer obj.Body.Close()

	dst := filepath.Join(b.stagingDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", errors.E(op, errors.ErrBackend, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return "", errors.E(op, errors.ErrBackend, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, obj.Body); err != nil {
		tmp.Close()
		return "", errors.E(op, errors.ErrBackend, fmt.Errorf("failed to write staged copy: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", errors.E(op, errors.ErrBackend, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.E(op, errors.ErrBackend, err)
	}

	b.logger.Debug("object staged", zap.String("key", key), zap.String("path", dst))
	return dst, nil
}

// Ping checks that the bucket is reachable.
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return mapS3Error("S3Backend.Ping", "", err)
	}
	return nil
}

// Close closes the backend.
func (b *S3Backend) Close() error {
	return nil
}

func (b *S3Backend) deleteObject(ctx context.Context, op, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error(op, key, err)
	}
	return nil
}

// mapS3Error separates missing objects from every other client fault.
func mapS3Error(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return errors.E(op, errors.ErrNotFound, nil, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.E(op, errors.ErrNotFound, nil, key)
		}
	}

	return errors.E(op, errors.ErrBackend, err)
}

var (
	_ Backend = (*S3Backend)(nil)
	_ Stager  = (*S3Backend)(nil)
	_ Pinger  = (*S3Backend)(nil)
	_ Backend = (*LocalFSBackend)(nil)
	_ Pinger  = (*LocalFSBackend)(nil)
)
