// Package artifact packages a finished workspace and publishes it to storage.
package artifact

import (
	"fmt"
	"path"
)

// Preview names, in the order they are rendered.
const (
	PreviewFront     = "front"
	PreviewBack      = "back"
	PreviewSchematic = "schematic"
)

// Previews lists every preview the pipeline can produce.
var Previews = []string{PreviewFront, PreviewBack, PreviewSchematic}

// IsPreview reports whether name is a known preview.
func IsPreview(name string) bool {
	for _, p := range Previews {
		if p == name {
			return true
		}
	}
	return false
}

// Ref locates a job's published artifacts.
type Ref struct {
	Bundle        string            `json:"bundle"`
	Previews      map[string]string `json:"previews,omitempty"`
	PreviewErrors map[string]string `json:"preview_errors,omitempty"`
}

// BundleKey is the storage key of a job's zip bundle.
func BundleKey(jobID string) string {
	return path.Join(jobID, jobID+".zip")
}

// PreviewKey is the storage key of a job's preview image.
func PreviewKey(jobID, name string) string {
	return path.Join(jobID, name+".svg")
}

// PublishError reports that the bundle could not be stored.
type PublishError struct {
	Key   string
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish %s: %v", e.Key, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }
