package mapper

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pumas-run/pumas/internal/identify"
	"github.com/pumas-run/pumas/internal/linkregistry"
)

// Classification is the disposition a previewed link target would get
// if Apply ran right now.
type Classification string

const (
	ClassCreate       Classification = "create"
	ClassSkipExists   Classification = "skip_exists"
	ClassSkipConflict Classification = "skip_conflict"
	ClassRemoveBroken Classification = "remove_broken"
)

// PreviewEntry describes one planned (or skipped) link.
type PreviewEntry struct {
	ModelID        string
	Source         string
	Target         string
	Classification Classification
	Reason         string
}

// MappingPreview groups previewed entries by disposition.
type MappingPreview struct {
	Creates   []PreviewEntry
	Skips     []PreviewEntry
	Conflicts []PreviewEntry
	Broken    []PreviewEntry
}

// Preview classifies, for every candidate model matched against
// mappings, what Apply would do: create a new link, skip an existing
// correct one, flag a conflicting target already owned by something
// else, or remove the target of a registered link whose source has
// vanished.
func Preview(models []CandidateModel, mappings []MappingRule, appModelsRoot string, registry *linkregistry.Registry, excluded map[string]bool) (MappingPreview, error) {
	var preview MappingPreview

	wanted := map[string]PreviewEntry{}
	for _, c := range models {
		if excluded[c.ModelID] {
			continue
		}
		weightFile, err := identify.PrimaryWeightFile(c.Dir)
		if err != nil || weightFile == "" {
			continue
		}
		for _, rule := range MatchingRules(mappings, c) {
			targetDir := rule.TargetDir
			if !filepath.IsAbs(targetDir) {
				targetDir = filepath.Join(appModelsRoot, targetDir)
			}
			target := filepath.Join(targetDir, filepath.Base(weightFile))
			wanted[target] = PreviewEntry{ModelID: c.ModelID, Source: weightFile, Target: target}
		}
	}

	for target, entry := range wanted {
		info, err := os.Lstat(target)
		switch {
		case os.IsNotExist(err):
			entry.Classification = ClassCreate
			preview.Creates = append(preview.Creates, entry)
		case err != nil:
			entry.Classification = ClassSkipConflict
			entry.Reason = err.Error()
			preview.Conflicts = append(preview.Conflicts, entry)
		default:
			owned := isOwnedLink(registry, target, entry.Source)
			if owned {
				entry.Classification = ClassSkipExists
				preview.Skips = append(preview.Skips, entry)
			} else {
				entry.Classification = ClassSkipConflict
				entry.Reason = "target exists and is not a registered link"
				_ = info
				preview.Conflicts = append(preview.Conflicts, entry)
			}
		}
	}

	if registry != nil {
		for _, e := range registry.GetAll() {
			if !isUnderRoot(appModelsRoot, e.Target) {
				continue
			}
			if _, err := os.Stat(e.Source); os.IsNotExist(err) {
				preview.Broken = append(preview.Broken, PreviewEntry{
					ModelID: e.ModelID, Source: e.Source, Target: e.Target,
					Classification: ClassRemoveBroken, Reason: "source no longer exists",
				})
			}
		}
	}

	return preview, nil
}

// isUnderRoot reports whether path lies inside root, so a broken-link
// sweep triggered for one app_models_root never reaches into an
// unrelated app's entries in the shared link registry.
func isUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isOwnedLink(registry *linkregistry.Registry, target, expectedSource string) bool {
	if registry == nil {
		return false
	}
	for _, e := range registry.GetAll() {
		if e.Target == target {
			return e.Source == expectedSource
		}
	}
	return false
}
