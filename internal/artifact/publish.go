package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/workspace"
)

// Publisher uploads bundles and previews under a job scoped key prefix.
type Publisher struct {
	bucket  storage.Bucket
	metrics *observability.Metrics
}

// NewPublisher returns a publisher for bucket. metrics may be nil.
func NewPublisher(bucket storage.Bucket, metrics *observability.Metrics) *Publisher {
	return &Publisher{bucket: bucket, metrics: metrics}
}

// Publish uploads bundle and every rendered preview found in the workspace
// log directory. A failed bundle upload fails the publish; preview failures
// are collected in Ref.PreviewErrors and do not stop the other uploads.
func (p *Publisher) Publish(ctx context.Context, ws *workspace.Workspace, bundle string) (*Ref, error) {
	logger := slog.With("jobId", ws.JobID)

	if err := p.bucket.Ensure(ctx); err != nil {
		return nil, &PublishError{Key: BundleKey(ws.JobID), Cause: err}
	}

	ref := &Ref{Bundle: BundleKey(ws.JobID)}
	if err := p.upload(ctx, ref.Bundle, bundle); err != nil {
		return nil, &PublishError{Key: ref.Bundle, Cause: err}
	}

	for _, name := range Previews {
		file := ws.LogFile(name + ".svg")
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		key := PreviewKey(ws.JobID, name)
		if err := p.upload(ctx, key, file); err != nil {
			logger.Warn("Preview upload failed", "preview", name, "error", err)
			if p.metrics != nil {
				p.metrics.RecordPreviewError(ctx, name)
			}
			if ref.PreviewErrors == nil {
				ref.PreviewErrors = make(map[string]string)
			}
			ref.PreviewErrors[name] = err.Error()
			continue
		}
		if ref.Previews == nil {
			ref.Previews = make(map[string]string)
		}
		ref.Previews[name] = key
	}

	logger.Info("Artifacts published", "bundle", ref.Bundle, "previews", len(ref.Previews), "previewErrors", len(ref.PreviewErrors))
	return ref, nil
}

func (p *Publisher) upload(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", file, err)
	}
	return p.bucket.Put(ctx, key, f, info.Size(), contentType)
}
