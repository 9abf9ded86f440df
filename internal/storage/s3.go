package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	appconfig "github.com/kiranshivaraju/podcastd/internal/config"
)

const defaultRegion = "us-east-1"

// objectAPI is the subset of *s3.Client used here.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

var _ Storage = (*S3Storage)(nil)

// S3Storage implements Storage for AWS S3 and S3-compatible stores.
type S3Storage struct {
	client  objectAPI
	bucket  string
	baseURL string
}

// NewS3 creates an S3Storage. It uses the SDK's default credential chain
// unless static credentials are configured.
func NewS3(ctx context.Context, cfg appconfig.StorageConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "init", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3Storage(client, cfg.Bucket, publicBaseURL(cfg, awsCfg.Region)), nil
}

func newS3Storage(client objectAPI, bucket, baseURL string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

func loadAWSConfig(ctx context.Context, cfg appconfig.StorageConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" {
		awsCfg.Region = defaultRegion
	}
	return awsCfg, nil
}

// publicBaseURL picks the prefix returned URLs are built on: an explicit
// public base, the custom endpoint in path style, or the AWS virtual host.
func publicBaseURL(cfg appconfig.StorageConfig, region string) string {
	switch {
	case cfg.PublicURLBase != "":
		return cfg.PublicURLBase
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
}

var artifactTypes = map[string]string{
	".mp3": "audio/mpeg",
	".txt": "text/plain; charset=utf-8",
}

func contentTypeFor(key string) string {
	ext := filepath.Ext(key)
	if ct, ok := artifactTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// URL returns the public URL of key.
func (s *S3Storage) URL(key string) string {
	return s.baseURL + "/" + key
}

func (s *S3Storage) Upload(ctx context.Context, path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &Error{Op: "upload", Key: key, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &Error{Op: "upload", Key: key, Err: err}
	}

	contentType := contentTypeFor(key)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", s.wrapError("upload", key, err)
	}
	return s.URL(key), nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := s.wrapError("delete", key, err)
		if errors.Is(wrapped, ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := s.wrapError("head", key, err)
		if errors.Is(wrapped, ErrNotFound) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

func (s *S3Storage) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return s.wrapError("ping", "", err)
	}
	return nil
}

// wrapError converts S3 errors to storage errors carrying a sentinel.
func (s *S3Storage) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Key: key, Err: err}

	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		case "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return wrapped
}
