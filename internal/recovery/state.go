package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FailureStore persists consecutive failure counts across daemon restarts.
type FailureStore interface {
	Load(resource string) (int, error)
	Save(resource string, count int) error
}

// FileStore keeps one {dir}/{resource}.failures file per resource holding
// the count as plain text.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(resource string) string {
	return filepath.Join(s.dir, resource+".failures")
}

// Load returns the stored count. A missing file is zero; an unreadable or
// corrupt file is zero with an error.
func (s *FileStore) Load(resource string) (int, error) {
	data, err := os.ReadFile(s.path(resource))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read failure count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse failure count in %s: %q", s.path(resource), strings.TrimSpace(string(data)))
	}
	return n, nil
}

// Save writes the count atomically: temporary file, fsync, rename.
func (s *FileStore) Save(resource string, count int) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	path := s.path(resource)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	if _, err := file.WriteString(strconv.Itoa(count) + "\n"); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}
