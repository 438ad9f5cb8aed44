package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

// MinIO stores blobs as objects in one bucket; URLs are built from a public
// base URL.
type MinIO struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

type MinIOConfig struct {
	Endpoint  string
	PublicURL string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

func NewMinIO(cfg MinIOConfig, log *zap.Logger) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ensureBucket(ctx, client, cfg.Bucket, log)

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http://"
		if cfg.Secure {
			scheme = "https://"
		}
		publicURL = scheme + cfg.Endpoint
	}
	return &MinIO{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// bucketAdmin is the part of *minio.Client that ensureBucket needs.
type bucketAdmin interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
}

// ensureBucket creates a missing bucket with public reads. Failures are
// logged; uploads will report them again.
func ensureBucket(ctx context.Context, client bucketAdmin, bucket string, log *zap.Logger) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Warn("failed to check bucket", zap.String("bucket", bucket), zap.Error(err))
		return
	}
	if exists {
		return
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		log.Warn("failed to create bucket", zap.String("bucket", bucket), zap.Error(err))
		return
	}
	log.Info("bucket created", zap.String("bucket", bucket))
	policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
	if err := client.SetBucketPolicy(ctx, bucket, policy); err != nil {
		log.Warn("failed to set public read policy, image URLs will not resolve", zap.String("bucket", bucket), zap.Error(err))
	}
}

func (m *MinIO) Put(ctx context.Context, path string, data []byte, contentType string) (models.BlobRef, error) {
	if path == "" {
		return models.BlobRef{}, ErrEmptyPath
	}
	_, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("put %s: %w", path, err)
	}
	return models.BlobRef{
		Path:        path,
		URL:         fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.publicURL, "/"), m.bucket, path),
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Delete is idempotent: S3-compatible servers answer a remove of a missing
// key with success.
func (m *MinIO) Delete(ctx context.Context, path string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
