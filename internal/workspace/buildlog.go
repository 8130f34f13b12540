package workspace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// BuildLog is the append-only record of every tool invocation of one job.
type BuildLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenBuildLog creates or appends to the log file at path.
func OpenBuildLog(path string) (*BuildLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	return &BuildLog{f: f, path: path}, nil
}

// Path returns the file location.
func (l *BuildLog) Path() string { return l.path }

// Write appends p.
func (l *BuildLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, os.ErrClosed
	}
	return l.f.Write(p)
}

// Section writes a header for a stage and returns a writer for its output.
func (l *BuildLog) Section(name string) io.Writer {
	fmt.Fprintf(l, "==> %s [%s]\n", name, time.Now().UTC().Format(time.RFC3339))
	return l
}

// Printf appends a formatted line.
func (l *BuildLog) Printf(format string, args ...any) {
	fmt.Fprintf(l, format+"\n", args...)
}

// Tail returns at most n trailing bytes of the log.
func (l *BuildLog) Tail(n int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || n <= 0 {
		return ""
	}
	info, err := l.f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	start := size - int64(n)
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	if _, err := l.f.ReadAt(buf, start); err != nil && err != io.EOF {
		return ""
	}
	return string(buf)
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *BuildLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
