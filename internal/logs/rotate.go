// Package logs provides the daemon's log output: a line format of
// "[timestamp] [LEVEL] message" and a file that is moved aside to a single
// ".1" generation once it grows past a size threshold.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is an io.Writer appending to a log file. Rotation is explicit:
// the scheduler calls Rotate once per tick rather than on every write.
type RotatingFile struct {
	path    string
	maxSize int64

	mu   sync.Mutex
	file *os.File
}

// OpenRotatingFile opens (or creates) the log file at path.
func OpenRotatingFile(path string, maxSize int64) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &RotatingFile{path: path, maxSize: maxSize, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Path returns the live log file path.
func (r *RotatingFile) Path() string {
	return r.path
}

// Write implements io.Writer.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	return r.file.Write(p)
}

// Rotate moves the log aside to path.1, replacing any previous .1, when it
// exceeds the size threshold. It reports whether a rotation happened.
func (r *RotatingFile) Rotate() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return false, os.ErrClosed
	}

	info, err := r.file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= r.maxSize {
		return false, nil
	}

	if err := r.file.Close(); err != nil {
		return false, fmt.Errorf("close log file: %w", err)
	}
	r.file = nil

	renameErr := os.Rename(r.path, r.path+".1")

	f, err := openAppend(r.path)
	if err != nil {
		return false, err
	}
	r.file = f

	if renameErr != nil {
		return false, fmt.Errorf("move log aside: %w", renameErr)
	}
	return true, nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
