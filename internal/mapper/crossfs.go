package mapper

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FilesystemCheck reports whether the library root and an app's model
// directory share a filesystem (so hardlinks work) and whether the app
// directory is writable at all.
type FilesystemCheck struct {
	CrossFilesystem bool
	Writable        bool
	Reason          string
}

// CheckCrossFilesystem probes libraryRoot and appModelsRoot and reports
// a human-readable reason whenever hardlinks would not be usable
// between them, alongside whether appModelsRoot accepts writes.
func CheckCrossFilesystem(libraryRoot, appModelsRoot string) FilesystemCheck {
	crossFS, reason := checkCrossFilesystem(libraryRoot, appModelsRoot)

	writable, writeErr := probeWritable(appModelsRoot)
	if !writable && reason == "" {
		reason = writeErr
	}

	return FilesystemCheck{CrossFilesystem: crossFS, Writable: writable, Reason: reason}
}

func probeWritable(dir string) (bool, string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, "cannot create app model directory: " + err.Error()
	}
	probe := filepath.Join(dir, ".pumas_write_probe_"+uuid.NewString())
	f, err := os.Create(probe) // #nosec G304 -- probe path is generated, not user input
	if err != nil {
		return false, "app model directory is not writable: " + err.Error()
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true, ""
}
