package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"kicad-jobs/internal/config"
)

// MinIO stores artifacts in an S3 compatible bucket.
type MinIO struct {
	client     *minio.Client
	bucket     string
	expiryDays int

	mu      sync.Mutex
	ensured bool
}

// NewMinIO creates a client for the configured endpoint. No request is made.
func NewMinIO(cfg config.StorageConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	days := cfg.ExpiryDays
	if days <= 0 {
		days = 1
	}
	return &MinIO{client: client, bucket: cfg.Bucket, expiryDays: days}, nil
}

func (m *MinIO) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			// Another worker may have created it between the check and the create.
			code := minio.ToErrorResponse(err).Code
			if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
				return fmt.Errorf("create bucket: %w", err)
			}
		} else {
			if err := m.client.SetBucketLifecycle(ctx, m.bucket, m.lifecycle()); err != nil {
				return fmt.Errorf("set bucket lifecycle: %w", err)
			}
			slog.Info("Created artifact bucket", "bucket", m.bucket, "expiryDays", m.expiryDays)
		}
	}
	m.ensured = true
	return nil
}

func (m *MinIO) lifecycle() *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:         "expire",
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: ""},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(m.expiryDays)},
		},
	}
	return cfg
}

func (m *MinIO) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, m.translate(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, m.translate(key, err)
	}
	return obj, objectFromInfo(info), nil
}

func (m *MinIO) Stat(ctx context.Context, key string) (*Object, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, m.translate(key, err)
	}
	return objectFromInfo(info), nil
}

func (m *MinIO) Ready(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

func (m *MinIO) translate(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("get %s: %w", key, err)
}

func objectFromInfo(info minio.ObjectInfo) *Object {
	return &Object{Key: info.Key, Size: info.Size, ContentType: info.ContentType, ModTime: info.LastModified}
}

var _ Bucket = (*MinIO)(nil)
