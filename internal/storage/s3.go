package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultS3Endpoint is the S3-compatible XML API of Google Cloud Storage.
const DefaultS3Endpoint = "https://storage.googleapis.com"

// Compile-time check that S3Storage implements Storage.
var _ Storage = (*S3Storage)(nil)

// S3Config holds the configuration for S3-compatible storage.
type S3Config struct {
	Region          string
	Endpoint        string // Optional: defaults to DefaultS3Endpoint
	AccessKeyID     string // Optional: HMAC access key ID
	SecretAccessKey string // Optional: HMAC secret
}

// S3Storage implements Storage against an S3-compatible endpoint. With the
// default endpoint it reaches GCS buckets through HMAC interoperability.
type S3Storage struct {
	client *s3.Client
}

// NewS3Storage creates a new S3Storage instance.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		// GCS interoperability rejects the SDK's default flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		// Callers retry whole uploads.
		o.RetryMaxAttempts = 1
	})

	return &S3Storage{client: client}, nil
}

// Put uploads a local file with PutObject.
func (s *S3Storage) Put(ctx context.Context, localPath, bucket, object string) error {
	f, err := os.Open(localPath) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(object),
		Body:        f,
		ContentType: aws.String(ContentType(object)),
	})
	if err != nil {
		return classifyS3Error(true, fmt.Errorf("upload to S3: %w", err))
	}
	return nil
}

// PutBytes uploads an in-memory payload with PutObject.
func (s *S3Storage) PutBytes(ctx context.Context, data []byte, bucket, object, contentType string) error {
	if contentType == "" {
		contentType = ContentType(object)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(object),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classifyS3Error(true, fmt.Errorf("upload to S3: %w", err))
	}
	return nil
}

// Get downloads an object with GetObject.
func (s *S3Storage) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, classifyS3Error(false, fmt.Errorf("download from S3: %w", err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read S3 object: %w", err)
	}
	return data, nil
}

// classifyS3Error maps S3 error codes onto the package sentinels. A 404 on
// an upload can only mean a missing bucket.
func classifyS3Error(upload bool, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		case "AccessDenied", "AllAccessDisabled", "AccountProblem":
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "MissingSecurityHeader":
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case http.StatusNotFound:
			if upload {
				return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
			}
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return err
}
