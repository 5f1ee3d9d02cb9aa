package mapper

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pumas-run/pumas/internal/linkregistry"
	"github.com/pumas-run/pumas/internal/perrors"
)

// Resolution is the operator's chosen disposition for a conflicting
// target path, supplied to ApplyWithResolutions.
type Resolution string

const (
	ResolutionSkip      Resolution = "skip"
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionRename    Resolution = "rename"
)

// ApplyResult tallies what happened during an Apply call.
type ApplyResult struct {
	Created       int
	Skipped       int
	Conflicts     int
	BrokenRemoved int
	Errors        []error
}

// Apply materializes every ClassCreate entry in preview and removes the
// target path of every ClassRemoveBroken entry (its link registry entry
// is not removed), leaving conflicts untouched.
func Apply(preview MappingPreview, registry *linkregistry.Registry, appID, appVersion string) ApplyResult {
	return applyInternal(preview, registry, appID, appVersion, nil)
}

// ApplyWithResolutions is Apply, except every conflicting target named
// in resolutions is resolved per the operator's choice instead of being
// left untouched.
func ApplyWithResolutions(preview MappingPreview, registry *linkregistry.Registry, appID, appVersion string, resolutions map[string]Resolution) ApplyResult {
	return applyInternal(preview, registry, appID, appVersion, resolutions)
}

func applyInternal(preview MappingPreview, registry *linkregistry.Registry, appID, appVersion string, resolutions map[string]Resolution) ApplyResult {
	var result ApplyResult

	for _, e := range preview.Broken {
		if err := os.Remove(e.Target); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, perrors.Io("mapper.Apply", e.Target, err))
			continue
		}
		result.BrokenRemoved++
	}

	for _, e := range preview.Creates {
		if err := materialize(e, registry, appID, appVersion); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Created++
	}

	result.Skipped += len(preview.Skips)

	for _, e := range preview.Conflicts {
		res, ok := resolutions[e.Target]
		if !ok {
			result.Conflicts++
			continue
		}
		switch res {
		case ResolutionSkip:
			result.Skipped++
		case ResolutionOverwrite:
			if err := os.RemoveAll(e.Target); err != nil {
				result.Errors = append(result.Errors, perrors.Io("mapper.Apply", e.Target, err))
				continue
			}
			if err := materialize(e, registry, appID, appVersion); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Created++
		case ResolutionRename:
			renamed, err := nextFreeName(e.Target)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			e.Target = renamed
			if err := materialize(e, registry, appID, appVersion); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Created++
		default:
			result.Conflicts++
		}
	}

	return result
}

// nextFreeName finds the smallest n such that stem_n.ext does not exist.
func nextFreeName(target string) (string, error) {
	dir := filepath.Dir(target)
	ext := filepath.Ext(target)
	stem := target[:len(target)-len(ext)]
	for n := 1; n < 1<<20; n++ {
		candidate := stem + "_" + strconv.Itoa(n) + ext
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", perrors.InvalidInput("mapper.nextFreeName", dir, "exhausted rename suffixes")
}

// materialize creates target pointing at source, trying symlink first,
// then a hardlink, then a byte copy, and registers the outcome.
func materialize(e PreviewEntry, registry *linkregistry.Registry, appID, appVersion string) error {
	if err := os.MkdirAll(filepath.Dir(e.Target), 0o755); err != nil {
		return perrors.Io("mapper.materialize", filepath.Dir(e.Target), err)
	}

	linkType, err := createLink(e.Source, e.Target)
	if err != nil {
		return perrors.Io("mapper.materialize", e.Target, err)
	}

	if registry == nil {
		return nil
	}
	return registry.Register(linkregistry.Entry{
		ModelID:    e.ModelID,
		Source:     e.Source,
		Target:     e.Target,
		LinkType:   linkType,
		CreatedAt:  time.Now(),
		AppID:      appID,
		AppVersion: appVersion,
	})
}

func createLink(source, target string) (linkregistry.LinkType, error) {
	if err := os.Symlink(source, target); err == nil {
		return linkregistry.LinkSymlink, nil
	}
	if err := os.Link(source, target); err == nil {
		return linkregistry.LinkHardlink, nil
	}
	if err := copyFile(source, target); err != nil {
		return "", err
	}
	return linkregistry.LinkCopy, nil
}

func copyFile(source, target string) error {
	src, err := os.Open(source) // #nosec G304 -- source is a resolved library file
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target) // #nosec G304 -- target is a computed app model path
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
