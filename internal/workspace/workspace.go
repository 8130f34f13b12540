// Package workspace allocates per-job build directories and guarantees their removal.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogDirName is the nested log directory inside every workspace.
const LogDirName = "logs"

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ErrInvalidJobID is returned for ids that cannot be used as a directory name.
var ErrInvalidJobID = errors.New("invalid job id")

// ErrOutsideWorkspace is returned when a relative path escapes the workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// Manager owns the base directory under which workspaces are created.
type Manager struct {
	base   string
	logger *slog.Logger
}

// NewManager creates the base directory if needed.
func NewManager(base string, logger *slog.Logger) (*Manager, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{base: abs, logger: logger}, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string { return m.base }

// ArchivePath is where the job's bundle is written, next to its workspace.
func (m *Manager) ArchivePath(jobID string) string {
	return filepath.Join(m.base, jobID+".zip")
}

// Workspace is one job's private directory tree.
type Workspace struct {
	JobID       string
	ProjectName string
	Root        string
	ProjectDir  string
	LogDir      string
	Log         *BuildLog

	manager     *Manager
	releaseOnce sync.Once
	releaseErr  error
}

// Allocate creates <base>/<jobID>/{<project>,logs} and opens the build log.
// It fails if the workspace already exists.
func (m *Manager) Allocate(jobID, projectName string) (*Workspace, error) {
	if !jobIDPattern.MatchString(jobID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if projectName == "" || projectName == "." || strings.ContainsAny(projectName, `/\`) || strings.Contains(projectName, "..") {
		return nil, fmt.Errorf("%w: project name %q", ErrOutsideWorkspace, projectName)
	}

	root := filepath.Join(m.base, jobID)
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{
		JobID:       jobID,
		ProjectName: projectName,
		Root:        root,
		ProjectDir:  filepath.Join(root, projectName),
		LogDir:      filepath.Join(root, LogDirName),
		manager:     m,
	}
	for _, dir := range []string{ws.ProjectDir, ws.LogDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			_ = ws.Release()
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	log, err := OpenBuildLog(filepath.Join(ws.LogDir, "build.log"))
	if err != nil {
		_ = ws.Release()
		return nil, err
	}
	ws.Log = log

	m.logger.Debug("Workspace allocated", "jobId", jobID, "root", root)
	return ws, nil
}

// Release closes the build log and removes the workspace and any stray
// archive. Only the first call does work.
func (w *Workspace) Release() error {
	w.releaseOnce.Do(func() {
		var errs []error
		if w.Log != nil {
			errs = append(errs, w.Log.Close())
		}
		errs = append(errs, os.RemoveAll(w.Root))
		if err := os.Remove(w.manager.ArchivePath(w.JobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		w.releaseErr = errors.Join(errs...)
		if w.releaseErr != nil {
			w.manager.logger.Warn("Workspace cleanup incomplete", "jobId", w.JobID, "error", w.releaseErr)
		} else {
			w.manager.logger.Debug("Workspace released", "jobId", w.JobID)
		}
	})
	return w.releaseErr
}

// Path resolves rel inside the workspace root.
func (w *Workspace) Path(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	p := filepath.Join(w.Root, rel)
	r, err := filepath.Rel(w.Root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return p, nil
}

// ArchivePath is where this workspace's bundle is written.
func (w *Workspace) ArchivePath() string {
	return w.manager.ArchivePath(w.JobID)
}

// ProjectFile returns <project dir>/<project name><ext>.
func (w *Workspace) ProjectFile(ext string) string {
	return filepath.Join(w.ProjectDir, w.ProjectName+ext)
}

// LogFile returns a path inside the log directory.
func (w *Workspace) LogFile(name string) string {
	return filepath.Join(w.LogDir, name)
}

// Sweep removes workspaces and archives older than maxAge. Workers call it to
// reclaim directories left behind by a crashed process.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".zip")
		if !jobIDPattern.MatchString(name) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.base, e.Name())); err != nil {
			m.logger.Warn("Failed to remove stale workspace", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("Removed stale workspaces", "count", removed)
	}
	return removed, nil
}
