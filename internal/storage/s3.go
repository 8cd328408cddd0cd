package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"horse.fit/vofc/internal/config"
)

// DefaultObjectByteLimit caps documents read from the bucket.
const DefaultObjectByteLimit = 32 * 1024 * 1024

// ErrObjectNotFound means the key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// S3Store reads and writes submission documents in one S3-compatible bucket.
type S3Store struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
}

// NewS3Store builds a client for the configured bucket. A custom endpoint targets
// S3-compatible stores; static credentials are used when an access key is set.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	if cfg == nil || !cfg.ObjectStoreEnabled() {
		return nil, fmt.Errorf("object store is not configured (S3_BUCKET is empty)")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if strings.TrimSpace(cfg.S3AccessKey) != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return &S3Store{
		client:   client,
		bucket:   strings.TrimSpace(cfg.S3Bucket),
		maxBytes: DefaultObjectByteLimit,
	}, nil
}

func (s *S3Store) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

// Get reads one object. Missing keys return ErrObjectNotFound.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", key, s.maxBytes)
	}
	return data, nil
}

// Put writes one object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return fmt.Errorf("object key is required")
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType = strings.TrimSpace(contentType); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// UploadKey is the object key of a document uploaded with a submission.
func UploadKey(submissionUUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		clean = "document"
	}
	return "uploads/" + strings.TrimSpace(submissionUUID) + "/" + clean
}
