// Package backup keeps rotated known-good copies of protected files and
// restores them when a resource has to be rebuilt.
package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

var (
	// ErrNoBackup is returned when no backup exists for a resource or file.
	ErrNoBackup = errors.New("no backup available")
	// ErrSharedName is returned for protected files of one resource that
	// share a basename and therefore a backup chain.
	ErrSharedName = errors.New("backup name shared with another protected file")
)

const backupFileMode = 0o644

// Generation describes one stored copy of a protected file. Index 0 is the
// current copy; 1..N are progressively older.
type Generation struct {
	Index   int
	Path    string
	Size    int64
	ModTime time.Time
	Digest  string
}

// Manager owns the backup directory.
type Manager struct {
	dir         string
	generations int
	protector   FileProtector
	mirror      Mirror
	logger      zerolog.Logger
}

// NewManager creates a Manager storing backups under dir with the given
// number of numbered generations kept behind the current copy.
func NewManager(dir string, generations int, protector FileProtector, logger zerolog.Logger) *Manager {
	if generations < 1 {
		generations = 1
	}
	if protector == nil {
		protector = NopProtector{}
	}
	return &Manager{
		dir:         dir,
		generations: generations,
		protector:   protector,
		logger:      logger.With().Str("component", "backup").Logger(),
	}
}

// SetMirror attaches an off-host mirror.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mirror = mirror
}

// Dir returns the backup root.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) resourceDir(res *config.Resource) string {
	return filepath.Join(m.dir, res.Name)
}

func (m *Manager) currentPath(res *config.Resource, live string) string {
	return filepath.Join(m.resourceDir(res), filepath.Base(live))
}

// sharedPaths returns the live files of res that must not be backed up or
// restored because another protected file has the same basename.
func sharedPaths(res *config.Resource) map[string]bool {
	out := make(map[string]bool)
	for _, files := range res.SharedBackupNames() {
		for _, f := range files {
			out[f] = true
		}
	}
	return out
}

func (m *Manager) refuseShared(res *config.Resource, live, op string) error {
	m.logger.Error().
		Str("resource", res.Name).
		Str("file", live).
		Str("backup", m.currentPath(res, live)).
		Msgf("%s skipped, backup name shared with another protected file", op)
	return fmt.Errorf("%s: %w", live, ErrSharedName)
}

func generationPath(current string, n int) string {
	if n == 0 {
		return current
	}
	return current + "." + strconv.Itoa(n)
}

// Snapshot stores a new current copy of every protected file whose content
// differs from the stored current copy. Missing live files are skipped. It
// returns the number of copies written.
func (m *Manager) Snapshot(ctx context.Context, res *config.Resource) (int, error) {
	files := res.BackupFiles()
	if len(files) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(m.resourceDir(res), 0o700); err != nil {
		return 0, fmt.Errorf("create backup dir: %w", err)
	}

	shared := sharedPaths(res)
	var errs []error
	written := 0
	for _, live := range files {
		if shared[live] {
			errs = append(errs, m.refuseShared(res, live, "snapshot"))
			continue
		}
		ok, err := m.snapshotFile(ctx, res, live)
		if err != nil {
			m.logger.Error().Err(err).
				Str("resource", res.Name).
				Str("file", live).
				Msg("snapshot failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			written++
		}
	}
	return written, errors.Join(errs...)
}

func (m *Manager) snapshotFile(ctx context.Context, res *config.Resource, live string) (bool, error) {
	liveDigest, err := digestFile(live)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Debug().Str("resource", res.Name).Str("file", live).Msg("live file missing, skipping snapshot")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("digest %s: %w", live, err)
	}

	current := m.currentPath(res, live)
	if curDigest, err := digestFile(current); err == nil && curDigest == liveDigest {
		return false, nil
	}

	data, err := os.ReadFile(live)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", live, err)
	}

	protect := !res.SkipImmutable
	if err := m.rotate(current, protect); err != nil {
		return false, err
	}
	if err := writeAtomic(current, data, backupFileMode); err != nil {
		return false, err
	}
	if protect {
		if err := m.protector.Protect(current); err != nil {
			m.logger.Warn().Err(err).Str("file", current).Msg("failed to protect backup")
		}
	}

	m.logger.Info().
		Str("resource", res.Name).
		Str("file", live).
		Str("backup", current).
		Msg("backup updated")

	if m.mirror != nil {
		if err := m.mirror.Upload(ctx, res.Name, filepath.Base(live), data); err != nil {
			m.logger.Warn().Err(err).Str("resource", res.Name).Str("file", live).Msg("mirror upload failed")
		}
	}
	return true, nil
}

// rotate shifts current -> .1 -> ... -> .N, dropping the old .N.
func (m *Manager) rotate(current string, protect bool) error {
	oldest := generationPath(current, m.generations)
	if err := m.protector.Unprotect(oldest); err != nil {
		return fmt.Errorf("unprotect %s: %w", oldest, err)
	}
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("drop %s: %w", oldest, err)
	}

	for i := m.generations - 1; i >= 0; i-- {
		from := generationPath(current, i)
		to := generationPath(current, i+1)
		if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := m.protector.Unprotect(from); err != nil {
			return fmt.Errorf("unprotect %s: %w", from, err)
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rotate %s: %w", from, err)
		}
		if protect {
			if err := m.protector.Protect(to); err != nil {
				m.logger.Warn().Err(err).Str("file", to).Msg("failed to protect backup")
			}
		}
	}
	return nil
}

// HasBackup reports whether a current copy exists for at least one of the
// resource's protected files.
func (m *Manager) HasBackup(res *config.Resource) bool {
	shared := sharedPaths(res)
	for _, live := range res.BackupFiles() {
		if shared[live] {
			continue
		}
		if _, err := os.Stat(m.currentPath(res, live)); err == nil {
			return true
		}
	}
	return false
}

// Restore copies the current backup over each live file, hands it to the
// resource's user and re-protects it. It reports whether any file was
// restored; ErrNoBackup means nothing could be restored at all.
func (m *Manager) Restore(ctx context.Context, res *config.Resource) (bool, error) {
	shared := sharedPaths(res)
	var errs []error
	restored := 0
	for _, live := range res.BackupFiles() {
		if shared[live] {
			errs = append(errs, m.refuseShared(res, live, "restore"))
			continue
		}
		data, err := m.loadCurrent(ctx, res, live)
		if errors.Is(err, ErrNoBackup) {
			m.logger.Warn().Str("resource", res.Name).Str("file", live).Msg("no backup for file")
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.restoreFile(res, live, data); err != nil {
			m.logger.Error().Err(err).Str("resource", res.Name).Str("file", live).Msg("restore failed")
			errs = append(errs, err)
			continue
		}
		m.logger.Info().Str("resource", res.Name).Str("file", live).Msg("file restored from backup")
		restored++
	}

	if restored == 0 && len(errs) == 0 {
		return false, ErrNoBackup
	}
	return restored > 0, errors.Join(errs...)
}

func (m *Manager) loadCurrent(ctx context.Context, res *config.Resource, live string) ([]byte, error) {
	data, err := os.ReadFile(m.currentPath(res, live))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read backup for %s: %w", live, err)
	}
	if m.mirror == nil {
		return nil, ErrNoBackup
	}

	data, err = m.mirror.Download(ctx, res.Name, filepath.Base(live))
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("resource", res.Name).Str("file", live).Msg("backup fetched from mirror")
	return data, nil
}

func (m *Manager) restoreFile(res *config.Resource, live string, data []byte) error {
	if err := m.protector.Unprotect(live); err != nil {
		return fmt.Errorf("unprotect %s: %w", live, err)
	}
	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", live, err)
	}

	mode := os.FileMode(backupFileMode)
	if info, err := os.Stat(live); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeAtomic(live, data, mode); err != nil {
		return err
	}

	if res.User != "" {
		if err := chownTo(live, res.User); err != nil {
			m.logger.Warn().Err(err).Str("file", live).Msg("failed to restore ownership")
		}
	}
	if !res.SkipImmutable {
		if err := m.protector.Protect(live); err != nil {
			return fmt.Errorf("protect %s: %w", live, err)
		}
	}
	return nil
}

// Generations lists the stored copies of one live file, current first.
func (m *Manager) Generations(res *config.Resource, live string) ([]Generation, error) {
	current := m.currentPath(res, live)
	var out []Generation
	for i := 0; i <= m.generations; i++ {
		p := generationPath(current, i)
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		digest, err := digestFile(p)
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", p, err)
		}
		out = append(out, Generation{
			Index:   i,
			Path:    p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Digest:  digest,
		})
	}
	return out, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeAtomic writes data to a temp file beside path, syncs it and renames
// it into place.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
