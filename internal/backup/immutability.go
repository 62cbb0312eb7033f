package backup

import (
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnsupported is returned by platform flag operations when the OS or the
// filesystem cannot carry an immutable attribute.
var ErrUnsupported = errors.New("immutable file attribute not supported")

// FileProtector sets and clears the filesystem immutable flag.
type FileProtector interface {
	// Protect marks path immutable.
	Protect(path string) error
	// Unprotect clears the immutable flag so path can be modified.
	// A missing path is not an error.
	Unprotect(path string) error
	// IsProtected reports whether path currently carries the flag.
	IsProtected(path string) (bool, error)
}

// AttrProtector manages the immutable attribute through the platform's
// file-flag interface. Where the platform or filesystem lacks support it
// degrades to a no-op and logs a single capability warning.
type AttrProtector struct {
	get    func(path string) (bool, error)
	set    func(path string, immutable bool) error
	logger zerolog.Logger

	warnOnce sync.Once
}

// NewAttrProtector creates an AttrProtector for the current platform.
func NewAttrProtector(logger zerolog.Logger) *AttrProtector {
	return &AttrProtector{
		get:    getImmutable,
		set:    setImmutable,
		logger: logger.With().Str("component", "immutability").Logger(),
	}
}

// Protect implements FileProtector.
func (p *AttrProtector) Protect(path string) error {
	return p.apply(path, true)
}

// Unprotect implements FileProtector.
func (p *AttrProtector) Unprotect(path string) error {
	err := p.apply(path, false)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// IsProtected implements FileProtector. It returns ErrUnsupported when the
// flag cannot be read on this platform or filesystem.
func (p *AttrProtector) IsProtected(path string) (bool, error) {
	return p.get(path)
}

func (p *AttrProtector) apply(path string, immutable bool) error {
	err := p.set(path, immutable)
	if errors.Is(err, ErrUnsupported) {
		p.warnOnce.Do(func() {
			p.logger.Warn().Err(err).Str("path", path).
				Msg("immutable attribute unavailable, file protection disabled")
		})
		return nil
	}
	return err
}

// NopProtector is a FileProtector that does nothing.
type NopProtector struct{}

func (NopProtector) Protect(string) error             { return nil }
func (NopProtector) Unprotect(string) error           { return nil }
func (NopProtector) IsProtected(string) (bool, error) { return false, ErrUnsupported }
