// Package library owns the on-disk model tree and the derived FTS index:
// directory layout, metadata CRUD, index rebuilds, deep scans, deletes,
// and re-classification.
package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pumas-run/pumas/internal/hashing"
	"github.com/pumas-run/pumas/internal/identify"
	"github.com/pumas-run/pumas/internal/jsonstore"
	"github.com/pumas-run/pumas/internal/linkregistry"
	"github.com/pumas-run/pumas/internal/modelindex"
	"github.com/pumas-run/pumas/internal/pathutil"
	"github.com/pumas-run/pumas/internal/perrors"
)

const (
	metadataFileName  = "metadata.json"
	overridesFileName = "overrides.json"
)

// Library owns library_root and mediates metadata CRUD against it and the
// FTS index.
type Library struct {
	// writeMu serializes metadata.json writes so no two writers interleave
	// on the same process. Reads take no lock.
	writeMu sync.Mutex

	root  string
	index *modelindex.Index
	links *linkregistry.Registry
}

// Open binds a Library to an existing library_root, index, and link
// registry. It does not create or validate root; callers are expected to
// have already created the directory tree.
func Open(root string, index *modelindex.Index, links *linkregistry.Registry) *Library {
	return &Library{root: root, index: index, links: links}
}

// BuildModelPath returns the on-disk directory for the normalized
// (type, family, cleanedName) tuple.
func (l *Library) BuildModelPath(modelType, family, cleanedName string) string {
	id := pathutil.ModelID(modelType, family, cleanedName)
	return filepath.Join(l.root, filepath.FromSlash(id))
}

func (l *Library) dirForModelID(modelID string) string {
	return filepath.Join(l.root, filepath.FromSlash(modelID))
}

func (l *Library) modelIDForDir(dir string) (string, error) {
	rel, err := filepath.Rel(l.root, dir)
	if err != nil {
		return "", perrors.Io("library.modelIDForDir", dir, err)
	}
	return filepath.ToSlash(rel), nil
}

// ModelDirs walks library_root at arbitrary depth and returns every
// directory containing metadata.json. It does not descend into a model
// directory once found, since models never nest.
func (l *Library) ModelDirs() ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path == l.root {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, metadataFileName)); statErr == nil {
			dirs = append(dirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, perrors.Io("library.ModelDirs", l.root, err)
	}
	return dirs, nil
}

func readMetadata(dir string) (*Metadata, error) {
	return jsonstore.Read[Metadata](filepath.Join(dir, metadataFileName))
}

func (l *Library) writeMetadata(dir string, m Metadata) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return jsonstore.Write(filepath.Join(dir, metadataFileName), m, true)
}

func readOverrides(dir string) (*Overrides, error) {
	return jsonstore.Read[Overrides](filepath.Join(dir, overridesFileName))
}

func recordFromMetadata(modelID, dir string, m Metadata) modelindex.Record {
	metadataJSON, err := json.Marshal(m)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	return modelindex.Record{
		ID:           modelID,
		Path:         dir,
		CleanedName:  m.CleanedName,
		OfficialName: m.OfficialName,
		ModelType:    m.ModelType,
		Tags:         m.Tags,
		SHA256:       m.Hashes.SHA256,
		BLAKE3:       m.Hashes.BLAKE3,
		MetadataJSON: string(metadataJSON),
		UpdatedAt:    parseUnixOrZero(m.UpdatedDate),
	}
}

// parseUnixOrZero accepts an RFC3339 timestamp and returns its Unix
// seconds, or 0 if it can't be parsed (sorts such rows oldest-first
// rather than failing the index write).
func parseUnixOrZero(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// IndexModelDir reads metadata.json from dir and upserts its record into
// the FTS index.
func (l *Library) IndexModelDir(dir string) error {
	modelID, err := l.modelIDForDir(dir)
	if err != nil {
		return err
	}
	m, err := readMetadata(dir)
	if err != nil {
		return err
	}
	if m == nil {
		return perrors.NotFound("library.IndexModelDir", dir)
	}
	if m.ModelID == "" {
		m.ModelID = modelID
	}
	return l.index.Upsert(recordFromMetadata(modelID, dir, *m))
}

// RebuildIndex clears the FTS index, re-indexes every model directory from
// its metadata.json, and checkpoints the WAL. It never reads weight files.
func (l *Library) RebuildIndex() (int, error) {
	if err := l.index.Clear(); err != nil {
		return 0, err
	}
	dirs, err := l.ModelDirs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, dir := range dirs {
		if err := l.IndexModelDir(dir); err != nil {
			continue
		}
		count++
	}
	if err := l.index.CheckpointWAL(); err != nil {
		return count, err
	}
	return count, nil
}

// DeepScanResult summarizes a deep scan rebuild.
type DeepScanResult struct {
	Total          int
	Indexed        int
	HashVerified   int
	HashMismatches []string
	Errors         []string
}

// DeepScanRebuild behaves like RebuildIndex but optionally re-hashes each
// model's primary file and compares it against the metadata's recorded
// hash. Mismatches are reported, never corrected.
func (l *Library) DeepScanRebuild(verifyHashes bool, progress func(done, total int)) (DeepScanResult, error) {
	var result DeepScanResult
	if err := l.index.Clear(); err != nil {
		return result, err
	}
	dirs, err := l.ModelDirs()
	if err != nil {
		return result, err
	}
	result.Total = len(dirs)

	for i, dir := range dirs {
		if err := l.deepScanOne(dir, verifyHashes, &result); err != nil {
			result.Errors = append(result.Errors, dir+": "+err.Error())
		}
		if progress != nil {
			progress(i+1, result.Total)
		}
	}
	if err := l.index.CheckpointWAL(); err != nil {
		return result, err
	}
	return result, nil
}

func (l *Library) deepScanOne(dir string, verifyHashes bool, result *DeepScanResult) error {
	modelID, err := l.modelIDForDir(dir)
	if err != nil {
		return err
	}
	m, err := readMetadata(dir)
	if err != nil {
		return err
	}
	if m == nil {
		return perrors.NotFound("library.deepScanOne", dir)
	}
	if m.ModelID == "" {
		m.ModelID = modelID
	}
	if err := l.index.Upsert(recordFromMetadata(modelID, dir, *m)); err != nil {
		return err
	}
	result.Indexed++

	if !verifyHashes || m.Hashes.SHA256 == "" {
		return nil
	}
	primary, err := identify.PrimaryWeightFile(dir)
	if err != nil {
		result.Errors = append(result.Errors, dir+": "+err.Error())
		return nil
	}
	digests, err := hashing.DualHash(primary)
	if err != nil {
		result.Errors = append(result.Errors, dir+": "+err.Error())
		return nil
	}
	result.HashVerified++
	if digests.SHA256 != m.Hashes.SHA256 {
		result.HashMismatches = append(result.HashMismatches, modelID)
	}
	return nil
}

// DeleteModel removes modelID from the index, optionally cascades to
// unlink every registered app link and delete their target files, removes
// the model directory, and best-effort removes now-empty family/type
// parent directories.
func (l *Library) DeleteModel(modelID string, cascade bool) error {
	dir := l.dirForModelID(modelID)

	if err := l.index.Delete(modelID); err != nil {
		return err
	}

	if cascade {
		entries := l.links.GetLinksForModel(modelID)
		if _, err := l.links.RemoveAllForModel(modelID); err != nil {
			return err
		}
		for _, e := range entries {
			if e.LinkType == linkregistry.LinkSymlink || e.LinkType == linkregistry.LinkCopy {
				_ = os.Remove(e.Target)
			}
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return perrors.Io("library.DeleteModel", dir, err)
	}

	familyDir := filepath.Dir(dir)
	_ = os.Remove(familyDir) // best-effort; fails silently if not empty
	typeDir := filepath.Dir(familyDir)
	_ = os.Remove(typeDir)

	return nil
}

// RedetectModelType re-runs the identifier on modelID's primary file and,
// if the detected type or family changed, updates and re-saves metadata
// and re-indexes. It returns the new type if it changed, or nil.
func (l *Library) RedetectModelType(modelID string) (*string, error) {
	dir := l.dirForModelID(modelID)
	m, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, perrors.NotFound("library.RedetectModelType", modelID)
	}

	primary, err := identify.PrimaryWeightFile(dir)
	if err != nil {
		return nil, err
	}
	result, err := identify.Identify(primary)
	if err != nil {
		return nil, err
	}

	changed := string(result.ModelType) != m.ModelType || result.Family != m.Family
	if !changed {
		return nil, nil
	}

	newType := string(result.ModelType)
	m.ModelType = newType
	if result.Family != "" {
		m.Family = result.Family
	}
	m.UpdatedDate = time.Now().UTC().Format(time.RFC3339)

	if err := l.writeMetadata(dir, *m); err != nil {
		return nil, err
	}
	if err := l.IndexModelDir(dir); err != nil {
		return nil, err
	}
	return &newType, nil
}

// ReclassifyModel is an alias for RedetectModelType, named to match the
// collaborator-facing verb.
func (l *Library) ReclassifyModel(modelID string) (*string, error) {
	return l.RedetectModelType(modelID)
}

// ReclassifyAllModels runs RedetectModelType over every model directory
// and returns how many models actually changed classification.
func (l *Library) ReclassifyAllModels() (int, error) {
	dirs, err := l.ModelDirs()
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, dir := range dirs {
		modelID, err := l.modelIDForDir(dir)
		if err != nil {
			continue
		}
		newType, err := l.RedetectModelType(modelID)
		if err != nil {
			continue
		}
		if newType != nil {
			changed++
		}
	}
	return changed, nil
}

// MarkMetadataAsManual sets match_source=manual and clears
// pending_online_lookup, so future update_metadata_from_hf calls for this
// model become a no-op: manual wins.
func (l *Library) MarkMetadataAsManual(modelID string) error {
	dir := l.dirForModelID(modelID)
	m, err := readMetadata(dir)
	if err != nil {
		return err
	}
	if m == nil {
		return perrors.NotFound("library.MarkMetadataAsManual", modelID)
	}
	m.MatchSource = MatchSourceManual
	m.PendingLookup = boolPtr(false)
	m.UpdatedDate = time.Now().UTC().Format(time.RFC3339)
	if err := l.writeMetadata(dir, *m); err != nil {
		return err
	}
	return l.IndexModelDir(dir)
}

// GetPendingLookups returns the metadata of every model whose
// pending_online_lookup is not explicitly false.
func (l *Library) GetPendingLookups() ([]Metadata, error) {
	dirs, err := l.ModelDirs()
	if err != nil {
		return nil, err
	}
	var pending []Metadata
	for _, dir := range dirs {
		m, err := readMetadata(dir)
		if err != nil || m == nil {
			continue
		}
		if m.NeedsOnlineLookup() {
			pending = append(pending, *m)
		}
	}
	return pending, nil
}

// ModelIDForDir returns the model_id an existing directory under
// library_root maps to. Used by collaborators (the importer's orphan
// adoption scan) that discover directories directly rather than through
// ModelDirs.
func (l *Library) ModelIDForDir(dir string) (string, error) {
	return l.modelIDForDir(dir)
}

// SaveMetadataAt persists m as the metadata.json inside dir under the
// library's serialized write lock, without indexing it. Exposed for
// collaborators (the importer) that need to write metadata into a
// directory before it is renamed into its final place, or in place for
// orphan adoption.
func (l *Library) SaveMetadataAt(dir string, m Metadata) error {
	return l.writeMetadata(dir, m)
}

// GetModel returns the baseline metadata for modelID.
func (l *Library) GetModel(modelID string) (*Metadata, error) {
	return readMetadata(l.dirForModelID(modelID))
}

// GetEffectiveModelMetadata returns modelID's baseline metadata patched by
// its overrides.json, if any.
func (l *Library) GetEffectiveModelMetadata(modelID string) (*Metadata, error) {
	dir := l.dirForModelID(modelID)
	m, err := readMetadata(dir)
	if err != nil || m == nil {
		return m, err
	}
	ov, err := readOverrides(dir)
	if err != nil {
		return nil, err
	}
	effective := ApplyOverrides(*m, ov)
	return &effective, nil
}

// ListModels returns every model record in the index.
func (l *Library) ListModels() ([]modelindex.Record, error) {
	res, err := l.index.Search("", modelindex.SearchOptions{Limit: 1 << 30})
	if err != nil {
		return nil, err
	}
	return res.Models, nil
}

// SearchModels queries the FTS index with optional type/tag filters and
// pagination.
func (l *Library) SearchModels(query string, limit, offset int, types, tags []string) (modelindex.SearchResult, error) {
	return l.index.Search(query, modelindex.SearchOptions{
		Types:  types,
		Tags:   tags,
		Limit:  limit,
		Offset: offset,
	})
}

// SetModelLinkExclusion marks (or unmarks) modelID as excluded from
// mapping for appID.
func (l *Library) SetModelLinkExclusion(modelID, appID string, excluded bool) error {
	return l.index.SetLinkExclusion(appID, modelID, excluded)
}

// GetLinkExclusions returns every model_id excluded from mapping for
// appID.
func (l *Library) GetLinkExclusions(appID string) ([]string, error) {
	return l.index.GetLinkExclusions(appID)
}
