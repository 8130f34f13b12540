// Package storage publishes job artifacts to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"kicad-jobs/internal/config"
)

// ErrObjectNotFound is returned by Get and Stat for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Bucket is the storage collaborator used by the artifact publisher and the API.
type Bucket interface {
	// Ensure creates the bucket if it does not exist and applies the
	// retention policy on creation. It is safe to call concurrently.
	Ensure(ctx context.Context) error
	// Put stores size bytes from r under key. r may be read more than once.
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
	// Get opens key for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Stat(ctx context.Context, key string) (*Object, error)
	// Ready checks connectivity for readiness checks.
	Ready(ctx context.Context) error
}

// New builds the configured backend.
func New(cfg config.StorageConfig) (Bucket, error) {
	switch cfg.Backend {
	case config.StorageMinIO:
		return NewMinIO(cfg)
	case config.StorageFiler:
		return NewFiler(cfg.FilerURL, cfg.ExpiryDays, nil), nil
	case config.StorageLocal:
		return NewLocal(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
