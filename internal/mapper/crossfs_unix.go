//go:build unix

package mapper

import (
	"os"
	"syscall"
)

func deviceID(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Dev), true
}

// checkCrossFilesystem reports whether libraryRoot and appModelsRoot
// live on different filesystems, which rules out hardlinks between
// them and leaves symlink or copy as the only viable link types.
func checkCrossFilesystem(libraryRoot, appModelsRoot string) (crossFS bool, reason string) {
	libDev, libOK := deviceID(libraryRoot)
	appDev, appOK := deviceID(appModelsRoot)
	if !libOK || !appOK {
		return false, "could not stat one of the roots to compare filesystems"
	}
	if libDev != appDev {
		return true, "library root and app model directory are on different filesystems; hardlinks are unavailable"
	}
	return false, ""
}
