package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Local stores artifacts in a directory. It is meant for development and
// single-host setups; nothing expires objects.
type Local struct {
	dir string
}

// NewLocal uses dir as the bucket root.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Local{dir: abs}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.dir, clean), nil
}

func (l *Local) Ensure(context.Context) error {
	return os.MkdirAll(l.dir, 0o755)
}

func (l *Local) Put(_ context.Context, key string, r io.ReadSeeker, _ int64, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	obj, err := l.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	p, _ := l.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, l.translate(key, err)
	}
	return f, obj, nil
}

func (l *Local) Stat(_ context.Context, key string) (*Object, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, l.translate(key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(p); err == nil {
		contentType = mt.String()
	}
	return &Object{Key: key, Size: info.Size(), ContentType: contentType, ModTime: info.ModTime()}, nil
}

func (l *Local) Ready(context.Context) error {
	info, err := os.Stat(l.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.dir)
	}
	return nil
}

func (l *Local) translate(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return err
}

var _ Bucket = (*Local)(nil)
