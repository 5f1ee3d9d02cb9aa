//go:build unix

package registry

import "syscall"

// isProcessRunning reports whether pid names a live process, via the
// null-signal probe: kill(pid, 0) fails with ESRCH once the process is
// gone.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
