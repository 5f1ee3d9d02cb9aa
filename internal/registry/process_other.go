//go:build !unix

package registry

import "os"

// isProcessRunning reports whether pid names a live process. Unlike
// Unix, os.FindProcess on Windows actually opens a handle to the
// process, so failure here is a reliable liveness signal.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
