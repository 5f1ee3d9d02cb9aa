//go:build !unix

package registry

import (
	"os"

	"github.com/pumas-run/pumas/internal/perrors"
)

// LibraryLock is an advisory lock on a library root. On non-Unix
// platforms this degrades to existence-of-open-handle only; daemon
// instances still rely primarily on the instances table for discovery.
type LibraryLock struct {
	f *os.File
}

// AcquireLibraryLock opens (without flocking) <libraryRoot>/.pumas.lock.
func AcquireLibraryLock(libraryRoot string) (*LibraryLock, error) {
	path := libraryRoot + string(os.PathSeparator) + ".pumas.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, perrors.Io("registry.AcquireLibraryLock", path, err)
	}
	return &LibraryLock{f: f}, nil
}

// Release closes the underlying lock file.
func (l *LibraryLock) Release() error {
	return l.f.Close()
}
