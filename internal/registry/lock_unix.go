//go:build unix

package registry

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/pumas-run/pumas/internal/perrors"
)

// LibraryLock is an advisory, non-blocking exclusive lock on a library
// root, held for the lifetime of one daemon process serving it.
type LibraryLock struct {
	f *os.File
}

// AcquireLibraryLock takes an exclusive non-blocking flock on
// <libraryRoot>/.pumas.lock, failing with ErrAlreadyExists if another
// daemon already holds it.
func AcquireLibraryLock(libraryRoot string) (*LibraryLock, error) {
	path := libraryRoot + string(os.PathSeparator) + ".pumas.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, perrors.Io("registry.AcquireLibraryLock", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, perrors.AlreadyExists("registry.AcquireLibraryLock", path)
		}
		return nil, perrors.Io("registry.AcquireLibraryLock", path, err)
	}
	return &LibraryLock{f: f}, nil
}

// Release unlocks and closes the underlying lock file.
func (l *LibraryLock) Release() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
