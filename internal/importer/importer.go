// Package importer implements the atomic move-into-library pipeline and
// orphan adoption: scanning library_root for model directories that have
// weight files but no metadata.json.
package importer

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pumas-run/pumas/internal/hashing"
	"github.com/pumas-run/pumas/internal/identify"
	"github.com/pumas-run/pumas/internal/library"
	"github.com/pumas-run/pumas/internal/pathutil"
	"github.com/pumas-run/pumas/internal/perrors"
)

// Stage names a batch_import progress stage.
type Stage string

const (
	StageCopying         Stage = "copying"
	StageHashing         Stage = "hashing"
	StageWritingMetadata Stage = "writing_metadata"
	StageSyncing         Stage = "syncing"
	StageIndexing        Stage = "indexing"
	StageComplete        Stage = "complete"
)

// Progress reports batch_import advancement through one spec's stages.
type Progress struct {
	Index    int
	Total    int
	Stage    Stage
	Fraction float64
}

// BatchResult is one spec's outcome within a batch_import run.
type BatchResult struct {
	ModelID string
	Err     error
}

// ModelImportSpec describes one model to import.
type ModelImportSpec struct {
	Path                 string
	Family               string
	OfficialName         string
	RepoID               string
	ModelType            string
	Subtype              string
	Tags                 []string
	SecurityAcknowledged bool
}

// Importer runs the atomic import pipeline against a Library.
type Importer struct {
	lib  *library.Library
	root string
}

// New binds an Importer to lib, whose on-disk tree lives at root.
func New(lib *library.Library, root string) *Importer {
	return &Importer{lib: lib, root: root}
}

// Import runs the 12-step pipeline in spec.Path and commits it into the
// library, returning the new model_id. Failure before the atomic rename
// leaves no partial state: the temp directory is removed.
func (im *Importer) Import(spec ModelImportSpec) (string, error) {
	return im.importOne(spec, func(Stage) {})
}

func (im *Importer) importOne(spec ModelImportSpec, onStage func(Stage)) (string, error) {
	info, err := os.Stat(spec.Path)
	if err != nil {
		return "", perrors.Io("importer.Import", spec.Path, err)
	}

	result, err := identify.Identify(spec.Path)
	if err != nil {
		return "", err
	}

	if identify.TierForFormat(result.Format) == identify.SecurityUnsafe && !spec.SecurityAcknowledged {
		return "", &perrors.Error{
			Kind: perrors.ErrInsecure,
			Op:   "importer.Import",
			Path: spec.Path,
		}
	}

	modelType := spec.ModelType
	if modelType == "" {
		modelType = string(result.ModelType)
	}
	family := spec.Family
	if family == "" {
		family = result.Family
	}
	cleanedName := cleanedNameFor(spec, info)

	targetDir := im.lib.BuildModelPath(modelType, family, cleanedName)
	if _, err := os.Stat(targetDir); err == nil {
		return "", perrors.AlreadyExists("importer.Import", targetDir)
	}

	tmpDir := filepath.Join(im.root, ".tmp_import_"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", perrors.Io("importer.Import", tmpDir, err)
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	onStage(StageCopying)
	files, err := copyIntoTempDir(spec.Path, info, tmpDir)
	if err != nil {
		cleanup()
		return "", err
	}

	onStage(StageHashing)
	primary, err := identify.PrimaryWeightFile(tmpDir)
	if err != nil {
		cleanup()
		return "", err
	}
	digests, err := hashing.DualHash(primary)
	if err != nil {
		cleanup()
		return "", err
	}
	primaryName := filepath.Base(primary)
	for i := range files {
		if files[i].Name == primaryName {
			files[i].SHA256 = digests.SHA256
			files[i].BLAKE3 = digests.BLAKE3
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	modelID := pathutil.ModelID(modelType, family, cleanedName)
	m := library.Metadata{
		ModelID:       modelID,
		Family:        pathutil.NormalizeSegment(family),
		ModelType:     pathutil.NormalizeSegment(modelType),
		Subtype:       spec.Subtype,
		OfficialName:  spec.OfficialName,
		CleanedName:   pathutil.NormalizeSegment(cleanedName),
		Tags:          spec.Tags,
		Hashes:        library.Hashes{SHA256: digests.SHA256, BLAKE3: digests.BLAKE3},
		AddedDate:     now,
		UpdatedDate:   now,
		Files:         files,
		MatchSource:   library.MatchSourceImport,
		PendingLookup: nil, // nil defaults to true per NeedsOnlineLookup
	}
	if spec.RepoID != "" {
		m.Extra = map[string]any{"repo_id": spec.RepoID}
	}

	onStage(StageWritingMetadata)
	if err := im.lib.SaveMetadataAt(tmpDir, m); err != nil {
		cleanup()
		return "", err
	}

	onStage(StageSyncing)
	if err := os.Rename(tmpDir, targetDir); err != nil {
		cleanup()
		return "", perrors.Io("importer.Import", targetDir, err)
	}

	onStage(StageIndexing)
	if err := im.lib.IndexModelDir(targetDir); err != nil {
		return modelID, err
	}
	onStage(StageComplete)
	return modelID, nil
}

// BatchImport runs Import for each spec in order, invoking progress after
// every stage transition with a fraction that accounts for both how many
// specs are done and how far the current one has advanced. A failed spec
// does not stop the batch; its error is reported in its BatchResult.
func (im *Importer) BatchImport(specs []ModelImportSpec, progress func(Progress)) []BatchResult {
	if progress == nil {
		progress = func(Progress) {}
	}
	stageWeight := map[Stage]float64{
		StageCopying: 0, StageHashing: 0.25, StageWritingMetadata: 0.5,
		StageSyncing: 0.75, StageIndexing: 0.9, StageComplete: 1,
	}
	results := make([]BatchResult, len(specs))
	total := len(specs)
	for i, spec := range specs {
		modelID, err := im.importOne(spec, func(st Stage) {
			fraction := (float64(i) + stageWeight[st]) / float64(total)
			progress(Progress{Index: i, Total: total, Stage: st, Fraction: fraction})
		})
		results[i] = BatchResult{ModelID: modelID, Err: err}
	}
	return results
}

// AdoptOrphans scans root for directories that hold a weight file but no
// metadata.json and writes minimal metadata in place, without moving any
// file. It returns the model_ids it adopted.
func (im *Importer) AdoptOrphans() ([]string, error) {
	var adopted []string
	err := filepath.WalkDir(im.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == im.root || !d.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "metadata.json")); statErr == nil {
			return filepath.SkipDir
		}
		if strings.HasPrefix(d.Name(), ".tmp_import_") {
			return filepath.SkipDir
		}

		primary, err := identify.PrimaryWeightFile(path)
		if err != nil {
			return nil
		}

		modelID, err := im.lib.ModelIDForDir(path)
		if err != nil {
			return err
		}
		result, err := identify.Identify(primary)
		if err != nil {
			return nil
		}
		digests, err := hashing.DualHash(primary)
		if err != nil {
			return nil
		}
		now := time.Now().UTC().Format(time.RFC3339)
		m := library.Metadata{
			ModelID:       modelID,
			ModelType:     string(result.ModelType),
			Family:        result.Family,
			CleanedName:   filepath.Base(path),
			Hashes:        library.Hashes{SHA256: digests.SHA256, BLAKE3: digests.BLAKE3},
			AddedDate:     now,
			UpdatedDate:   now,
			MatchSource:   library.MatchSourceImport,
			PendingLookup: nil,
		}
		if err := im.lib.SaveMetadataAt(path, m); err != nil {
			return err
		}
		if err := im.lib.IndexModelDir(path); err != nil {
			return err
		}
		adopted = append(adopted, modelID)
		return filepath.SkipDir
	})
	if err != nil {
		return adopted, err
	}
	return adopted, nil
}

func cleanedNameFor(spec ModelImportSpec, info os.FileInfo) string {
	if spec.OfficialName != "" {
		return spec.OfficialName
	}
	name := info.Name()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func copyIntoTempDir(source string, info os.FileInfo, tmpDir string) ([]library.FileInfo, error) {
	if !info.IsDir() {
		fi, err := copyOneFile(source, tmpDir)
		if err != nil {
			return nil, err
		}
		return []library.FileInfo{fi}, nil
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, perrors.Io("importer.copyIntoTempDir", source, err)
	}
	var files []library.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := copyOneFile(filepath.Join(source, e.Name()), tmpDir)
		if err != nil {
			return nil, err
		}
		files = append(files, fi)
	}
	return files, nil
}

func copyOneFile(srcPath, tmpDir string) (library.FileInfo, error) {
	original := filepath.Base(srcPath)
	normalized := normalizeFilename(original)
	destPath := filepath.Join(tmpDir, normalized)

	src, err := os.Open(srcPath) // #nosec G304 -- caller-supplied import source
	if err != nil {
		return library.FileInfo{}, perrors.Io("importer.copyOneFile", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return library.FileInfo{}, perrors.Io("importer.copyOneFile", destPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		return library.FileInfo{}, perrors.Io("importer.copyOneFile", destPath, err)
	}

	fi := library.FileInfo{Name: normalized, Size: written}
	if normalized != original {
		fi.OriginalName = original
	}
	return fi, nil
}

// normalizeFilename lowercases and collapses invalid characters in a
// file's stem, the same rule applied to path segments, while preserving
// its extension verbatim.
func normalizeFilename(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return pathutil.NormalizeSegment(stem) + strings.ToLower(ext)
}
