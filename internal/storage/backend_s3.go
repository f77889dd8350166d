package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
)

// S3Config represents S3 backend configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NewDefaultS3Config returns an S3Config with default settings
func NewDefaultS3Config() *S3Config {
	return &S3Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

// S3API is the subset of the S3 client used by S3Backend
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend stores objects in an S3 bucket under an optional key prefix
type S3Backend struct {
	client S3API
	config *S3Config
	logger *slog.Logger
}

// NewS3Backend loads AWS configuration and creates an S3 client
func NewS3Backend(ctx context.Context, cfg *S3Config, logger *slog.Logger) (*S3Backend, error) {
	if cfg == nil {
		cfg = NewDefaultS3Config()
	}
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("storage").
			WithOperation("s3")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 backend configured",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint)

	return NewS3BackendWithClient(client, cfg, logger), nil
}

// NewS3BackendWithClient builds a backend around an existing client
func NewS3BackendWithClient(client S3API, cfg *S3Config, logger *slog.Logger) *S3Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Backend{client: client, config: cfg, logger: logger}
}

func (b *S3Backend) objectKey(name string) string {
	name = cleanName(name)
	if b.config.Prefix == "" {
		return name
	}
	return path.Join(b.config.Prefix, name)
}

func (b *S3Backend) objectName(key string) string {
	if b.config.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, b.config.Prefix), "/")
}

func (b *S3Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, b.config.RequestTimeout)
	}
	return ctx, func() {}
}

// Put uploads the object in one request
func (b *S3Backend) Put(ctx context.Context, name string, data []byte) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(b.objectKey(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return b.translateError(err, "put", name)
	}
	return nil
}

// Get downloads the whole object
func (b *S3Backend) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return nil, b.translateError(err, "get", name)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, b.translateError(err, "get", name)
	}
	return data, nil
}

// Delete removes the object. S3 deletes are idempotent, so existence is checked first.
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	if _, err := b.Stat(ctx, name); err != nil {
		return err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return b.translateError(err, "delete", name)
	}
	return nil
}

// Stat issues a HeadObject request
func (b *S3Backend) Stat(ctx context.Context, name string) (types.ObjectInfo, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return types.ObjectInfo{}, b.translateError(err, "stat", name)
	}

	return types.ObjectInfo{
		Name:         cleanName(name),
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

// List pages through ListObjectsV2
func (b *S3Backend) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	fullPrefix := prefix
	if b.config.Prefix != "" {
		fullPrefix = strings.TrimSuffix(b.config.Prefix, "/") + "/" + prefix
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.translateError(err, "list", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Name:         b.objectName(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return objects, nil
}

// HealthCheck verifies the bucket is reachable
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	if err != nil {
		return b.translateError(err, "health_check", b.config.Bucket)
	}
	return nil
}

func (b *S3Backend) translateError(err error, operation, name string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.NewError(errors.ErrCodeNotFound, "object not found").
			WithComponent("storage").
			WithOperation(operation).
			WithDetail("name", name).
			WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		b.logger.Error("bucket not found", "bucket", b.config.Bucket, "operation", operation)
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket not found").
			WithComponent("storage").
			WithOperation(operation).
			WithDetail("bucket", b.config.Bucket).
			WithCause(err)
	default:
		b.logger.Warn("S3 operation failed", "operation", operation, "name", name, "error", err)
		return errors.NewError(errors.ErrCodeTransientIO, "s3 operation failed").
			WithComponent("storage").
			WithOperation(operation).
			WithDetail("name", name).
			WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".info") {
		return "application/json"
	}
	return "application/octet-stream"
}
