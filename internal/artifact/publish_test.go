package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/workspace"
)

type memBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	ensured   int
	ensureErr error
	failKeys  map[string]bool
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}, types: map[string]string{}, failKeys: map[string]bool{}}
}

func (b *memBucket) Ensure(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured++
	return b.ensureErr
}

func (b *memBucket) Put(_ context.Context, key string, r io.ReadSeeker, _ int64, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failKeys[key] {
		return errors.New("storage unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.objects[key] = data
	b.types[key] = contentType
	return nil
}

func (b *memBucket) Get(context.Context, string) (io.ReadCloser, *storage.Object, error) {
	return nil, nil, storage.ErrObjectNotFound
}

func (b *memBucket) Stat(context.Context, string) (*storage.Object, error) {
	return nil, storage.ErrObjectNotFound
}

func (b *memBucket) Ready(context.Context) error { return nil }

func newPublishWorkspace(t *testing.T, previews ...string) (*workspace.Workspace, string) {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := m.Allocate("job-1", "keyboard")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Release() })

	for _, name := range previews {
		svg := `<svg xmlns="http://www.w3.org/2000/svg"><!--` + name + `--></svg>`
		if err := os.WriteFile(ws.LogFile(name+".svg"), []byte(svg), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := Pack(ws.Root, ws.ArchivePath()); err != nil {
		t.Fatal(err)
	}
	return ws, ws.ArchivePath()
}

func TestPublish(t *testing.T) {
	t.Parallel()

	ws, bundle := newPublishWorkspace(t, PreviewFront, PreviewBack)
	bucket := newMemBucket()

	ref, err := NewPublisher(bucket, nil).Publish(context.Background(), ws, bundle)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if ref.Bundle != "job-1/job-1.zip" {
		t.Errorf("Bundle = %q", ref.Bundle)
	}
	if ref.Previews[PreviewFront] != "job-1/front.svg" || ref.Previews[PreviewBack] != "job-1/back.svg" {
		t.Errorf("Previews = %v", ref.Previews)
	}
	if _, ok := ref.Previews[PreviewSchematic]; ok {
		t.Error("schematic preview reported although it was never rendered")
	}
	if len(ref.PreviewErrors) != 0 {
		t.Errorf("PreviewErrors = %v, want none", ref.PreviewErrors)
	}
	if bucket.ensured != 1 {
		t.Errorf("Ensure called %d times, want 1", bucket.ensured)
	}
	if got := bucket.types["job-1/job-1.zip"]; got != "application/zip" {
		t.Errorf("bundle content type = %q, want application/zip", got)
	}
	if got := bucket.types["job-1/front.svg"]; !strings.HasPrefix(got, "image/svg+xml") {
		t.Errorf("front content type = %q, want image/svg+xml", got)
	}
}

func TestPublishPreviewFailureIsIsolated(t *testing.T) {
	t.Parallel()

	ws, bundle := newPublishWorkspace(t, PreviewFront, PreviewBack, PreviewSchematic)
	bucket := newMemBucket()
	bucket.failKeys["job-1/back.svg"] = true

	ref, err := NewPublisher(bucket, nil).Publish(context.Background(), ws, bundle)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, ok := ref.PreviewErrors[PreviewBack]; !ok {
		t.Errorf("PreviewErrors = %v, want back", ref.PreviewErrors)
	}
	if ref.Previews[PreviewFront] == "" || ref.Previews[PreviewSchematic] == "" {
		t.Errorf("Previews = %v, want front and schematic despite back failing", ref.Previews)
	}
	if _, ok := bucket.objects["job-1/job-1.zip"]; !ok {
		t.Error("bundle was not uploaded")
	}
}

func TestPublishBundleFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(b *memBucket)
	}{
		{"bundle upload fails", func(b *memBucket) { b.failKeys["job-1/job-1.zip"] = true }},
		{"bucket cannot be ensured", func(b *memBucket) { b.ensureErr = errors.New("access denied") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ws, bundle := newPublishWorkspace(t, PreviewFront)
			bucket := newMemBucket()
			tt.setup(bucket)

			_, err := NewPublisher(bucket, nil).Publish(context.Background(), ws, bundle)
			var pubErr *PublishError
			if !errors.As(err, &pubErr) {
				t.Fatalf("error = %v, want *PublishError", err)
			}
			if pubErr.Key != "job-1/job-1.zip" {
				t.Errorf("Key = %q", pubErr.Key)
			}
		})
	}
}

func TestIsPreview(t *testing.T) {
	t.Parallel()

	for _, name := range Previews {
		if !IsPreview(name) {
			t.Errorf("IsPreview(%q) = false", name)
		}
	}
	if IsPreview("top") {
		t.Error("IsPreview(top) = true")
	}
}
