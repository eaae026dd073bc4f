// Package s3 provides an S3-compatible storage backend.
package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *awss3.Client
	bucket string
}

// New creates a new S3 storage backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = true // Required for MinIO
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	if err := b.ensureBucket(ctx); err != nil {
		logging.Warn(fmt.Sprintf("bucket check failed: %v", err))
	}

	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &awss3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
	}
	return nil
}

func (b *Backend) putKey(ctx context.Context, key string, content *locator.Handle) error {
	src, err := content.Open(ctx, nil)
	if err != nil {
		return fmt.Errorf("open content for %s: %w", key, err)
	}
	defer src.Close()

	start := time.Now()
	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   src,
	})
	metrics.RecordBackendOperation("s3", "put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (b *Backend) getKey(key string) (*locator.Handle, error) {
	// Deferred: the GetObject round-trip happens only when the handle is
	// opened, and a requested range maps to an S3 Range header.
	return locator.FromOpener(func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		input := &awss3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}
		if rng != nil {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		}

		start := time.Now()
		result, err := b.client.GetObject(ctx, input)
		metrics.RecordBackendOperation("s3", "get", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		return result.Body, nil
	})
}

func (b *Backend) deleteKey(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordBackendOperation("s3", "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Write stores an entity's main binary.
func (b *Backend) Write(ctx context.Context, entity storage.Entity, content *locator.Handle) error {
	return b.putKey(ctx, entity.Key(), content)
}

// WriteAsset stores a derived asset.
func (b *Backend) WriteAsset(ctx context.Context, entity storage.Entity, assetKey string, content *locator.Handle) error {
	return b.putKey(ctx, entity.AssetKey(assetKey), content)
}

// Read returns a lazy handle whose ranged opens become S3 Range requests.
func (b *Backend) Read(_ context.Context, entity storage.Entity) (*locator.Handle, error) {
	return b.getKey(entity.Key())
}

// ReadAsset returns a lazy handle for a derived asset.
func (b *Backend) ReadAsset(_ context.Context, entity storage.Entity, assetKey string) (*locator.Handle, error) {
	return b.getKey(entity.AssetKey(assetKey))
}

// Delete removes an entity's main binary.
func (b *Backend) Delete(ctx context.Context, entity storage.Entity) error {
	return b.deleteKey(ctx, entity.Key())
}

// DeleteAsset removes a derived asset.
func (b *Backend) DeleteAsset(ctx context.Context, entity storage.Entity, assetKey string) error {
	return b.deleteKey(ctx, entity.AssetKey(assetKey))
}

// Copy performs a server-side CopyObject within the bucket.
func (b *Backend) Copy(ctx context.Context, source, target storage.Entity) (bool, error) {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + source.Key()),
		Key:        aws.String(target.Key()),
	})
	metrics.RecordBackendOperation("s3", "copy", time.Since(start), err == nil)
	if err != nil {
		return false, fmt.Errorf("copy object %s -> %s: %w", source.Key(), target.Key(), err)
	}
	return true, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op; the S3 client holds no persistent connections.
func (b *Backend) Close() error { return nil }
