//go:build !unix

package mapper

import "strings"

// checkCrossFilesystem falls back to comparing volume/root components
// on platforms without st_dev (Windows): different drive letters or
// UNC roots are treated as different filesystems.
func checkCrossFilesystem(libraryRoot, appModelsRoot string) (crossFS bool, reason string) {
	libRoot := volumeRoot(libraryRoot)
	appRoot := volumeRoot(appModelsRoot)
	if !strings.EqualFold(libRoot, appRoot) {
		return true, "library root and app model directory are on different volumes; hardlinks are unavailable"
	}
	return false, ""
}

func volumeRoot(path string) string {
	if len(path) >= 2 && path[1] == ':' {
		return strings.ToUpper(path[:2])
	}
	return ""
}
