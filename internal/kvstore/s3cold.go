package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/snappy"
)

// S3ColdStore is the cold tier for batch blobs too large to keep inline in
// SQLiteStore. Objects are snappy-compressed before upload; batch IR blobs
// compress well and the fetch core already links snappy for decode.
type S3ColdStore struct {
	client     *s3.Client
	bucket     string
	maxRetries int
}

// S3ColdConfig configures the S3 cold tier.
type S3ColdConfig struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3ColdStore creates an S3-backed ColdStore for the given bucket.
func NewS3ColdStore(ctx context.Context, bucket string, cfg S3ColdConfig) (*S3ColdStore, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3ColdStore{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     bucket,
		maxRetries: 3,
	}, nil
}

// Put uploads data to objectPath, snappy-compressed.
func (c *S3ColdStore) Put(ctx context.Context, objectPath string, data []byte) error {
	compressed := snappy.Encode(nil, data)
	return c.retryWithBackoff(ctx, func() error {
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(objectPath),
			Body:   bytes.NewReader(compressed),
		})
		return err
	})
}

// Get downloads and decompresses the object at objectPath.
func (c *S3ColdStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	var compressed []byte
	err := c.retryWithBackoff(ctx, func() error {
		resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		compressed = buf
		return nil
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("kvstore: cold object %q not found", objectPath)
		}
		return nil, fmt.Errorf("kvstore: cold fetch failed: %w", err)
	}

	return snappy.Decode(nil, compressed)
}

func (c *S3ColdStore) retryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var noSuchKey *s3types.NoSuchKey
		if errors.As(lastErr, &noSuchKey) {
			return lastErr
		}
	}
	return lastErr
}
