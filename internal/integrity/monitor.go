// Package integrity keeps the watchdog's own binary, configuration and unit
// file immutable.
package integrity

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MacJediWizard/guardian/internal/backup"
	"github.com/rs/zerolog"
)

// Monitor re-applies the immutable flag to the daemon's own files.
type Monitor struct {
	paths     []string
	protector backup.FileProtector
	logger    zerolog.Logger

	unsupportedOnce sync.Once
	disabled        atomic.Bool
}

// NewMonitor creates a Monitor for the given files. Empty paths are ignored.
func NewMonitor(paths []string, protector backup.FileProtector, logger zerolog.Logger) *Monitor {
	var clean []string
	for _, p := range paths {
		if p != "" {
			clean = append(clean, p)
		}
	}
	return &Monitor{
		paths:     clean,
		protector: protector,
		logger:    logger.With().Str("component", "integrity").Logger(),
	}
}

// SelfPaths returns the daemon's executable, its config file and its unit
// file.
func SelfPaths(configPath, unitFile string) []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, exe)
	}
	return append(paths, configPath, unitFile)
}

// Paths returns the files being watched.
func (m *Monitor) Paths() []string {
	return m.paths
}

// Verify re-protects every existing watched file that has lost its
// immutable flag and returns the number of repairs. A repair only counts once
// the flag reads back as set.
func (m *Monitor) Verify(ctx context.Context) int {
	repairs := 0
	for _, path := range m.paths {
		if m.disabled.Load() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}

		protected, err := m.protector.IsProtected(path)
		if errors.Is(err, backup.ErrUnsupported) {
			m.disable(err, "cannot read immutable flag, self-integrity check disabled")
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("failed to read immutable flag")
			continue
		}
		if protected {
			continue
		}

		if err := m.protector.Protect(path); err != nil {
			m.logger.Error().Err(err).Str("path", path).Msg("failed to re-apply immutable flag")
			continue
		}
		if protected, err := m.protector.IsProtected(path); err != nil || !protected {
			m.disable(err, "immutable flag did not stick, self-integrity check disabled")
			continue
		}
		m.logger.Warn().Str("path", path).Msg("self-integrity drift, immutable flag re-applied")
		repairs++
	}
	return repairs
}

func (m *Monitor) disable(err error, msg string) {
	m.disabled.Store(true)
	m.unsupportedOnce.Do(func() {
		m.logger.Warn().Err(err).Msg(msg)
	})
}
