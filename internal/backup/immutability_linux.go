//go:build linux

package backup

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFL is FS_IMMUTABLE_FL from linux/fs.h, the flag chattr +i sets.
const fsImmutableFL = 0x00000010

func openForFlags(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW, 0)
}

func getImmutable(path string) (bool, error) {
	f, err := openForFlags(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	flags, err := unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return false, classifyFlagErr(path, err)
	}
	return flags&fsImmutableFL != 0, nil
}

func setImmutable(path string, immutable bool) error {
	f, err := openForFlags(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		return classifyFlagErr(path, err)
	}

	want := flags &^ fsImmutableFL
	if immutable {
		want = flags | fsImmutableFL
	}
	if want == flags {
		return nil
	}

	if err := unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, int(want)); err != nil {
		return classifyFlagErr(path, err)
	}
	return nil
}

// classifyFlagErr maps errno values meaning "this filesystem or process
// cannot do file flags" onto ErrUnsupported.
func classifyFlagErr(path string, err error) error {
	switch {
	case errors.Is(err, unix.ENOTTY),
		errors.Is(err, unix.EOPNOTSUPP),
		errors.Is(err, unix.ENOSYS),
		errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, path, err)
	}
	return fmt.Errorf("file flags %s: %w", path, err)
}
