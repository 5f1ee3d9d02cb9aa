package importer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pumas-run/pumas/internal/library"
	"github.com/pumas-run/pumas/internal/linkregistry"
	"github.com/pumas-run/pumas/internal/modelindex"
)

func newTestImporter(t *testing.T) (*Importer, *library.Library, string) {
	t.Helper()
	root := t.TempDir()
	idx, err := modelindex.Open(filepath.Join(root, "models.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	links, err := linkregistry.Open(filepath.Join(root, "link_registry.json"))
	require.NoError(t, err)
	lib := library.Open(root, idx, links)
	return New(lib, root), lib, root
}

func minimalGGUF(metadataCount uint64) []byte {
	buf := make([]byte, 24)
	copy(buf[:4], "GGUF")
	binary.LittleEndian.PutUint32(buf[4:8], 3)
	binary.LittleEndian.PutUint64(buf[8:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], metadataCount)
	return buf
}

func TestImportMovesFileIntoLibraryTree(t *testing.T) {
	im, lib, root := newTestImporter(t)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "llama-3-8b.gguf")
	require.NoError(t, os.WriteFile(srcFile, minimalGGUF(0), 0o644))

	modelID, err := im.Import(ModelImportSpec{
		Path:         srcFile,
		OfficialName: "Llama 3 8B",
	})
	require.NoError(t, err)
	require.Equal(t, "llm/unknown/llama_3_8b", modelID)

	targetDir := filepath.Join(root, "llm", "unknown", "llama_3_8b")
	_, err = os.Stat(filepath.Join(targetDir, "metadata.json"))
	require.NoError(t, err)
	// Import copies into the library; the source stays where it was.
	_, err = os.Stat(srcFile)
	require.NoError(t, err)

	m, err := lib.GetModel(modelID)
	require.NoError(t, err)
	require.Equal(t, library.MatchSourceImport, m.MatchSource)
	require.True(t, m.NeedsOnlineLookup())
	require.NotEmpty(t, m.Hashes.SHA256)
}

func TestImportRejectsExistingTarget(t *testing.T) {
	im, lib, _ := newTestImporter(t)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "model.gguf")
	require.NoError(t, os.WriteFile(srcFile, minimalGGUF(0), 0o644))

	spec := ModelImportSpec{Path: srcFile, OfficialName: "model"}
	_, err := im.Import(spec)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(srcFile, minimalGGUF(0), 0o644))
	_, err = im.Import(spec)
	require.Error(t, err)

	_ = lib
}

func TestImportRejectsPickleWithoutAcknowledgement(t *testing.T) {
	im, _, _ := newTestImporter(t)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "model.bin")
	// PyTorch pickle files start with this opcode sequence.
	require.NoError(t, os.WriteFile(srcFile, []byte{0x80, 0x02, 0x7d, 0x71}, 0o644))

	_, err := im.Import(ModelImportSpec{Path: srcFile, ModelType: "llm", Family: "llama", OfficialName: "m"})
	require.Error(t, err)
}

func TestImportCleansUpTempDirOnFailure(t *testing.T) {
	im, _, root := newTestImporter(t)

	_, err := im.Import(ModelImportSpec{Path: filepath.Join(root, "does-not-exist.gguf")})
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp_import_")
	}
}

func TestBatchImportReportsProgressAndContinuesOnFailure(t *testing.T) {
	im, _, root := newTestImporter(t)

	srcDir := t.TempDir()
	good := filepath.Join(srcDir, "good.gguf")
	require.NoError(t, os.WriteFile(good, minimalGGUF(0), 0o644))

	specs := []ModelImportSpec{
		{Path: good, OfficialName: "good"},
		{Path: filepath.Join(root, "missing.gguf"), OfficialName: "missing"},
	}

	var stages []Stage
	results := im.BatchImport(specs, func(p Progress) {
		stages = append(stages, p.Stage)
		require.GreaterOrEqual(t, p.Fraction, 0.0)
		require.LessOrEqual(t, p.Fraction, 1.0)
	})

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NotEmpty(t, results[0].ModelID)
	require.Error(t, results[1].Err)
	require.Contains(t, stages, StageComplete)
}

func TestAdoptOrphansWritesMetadataInPlace(t *testing.T) {
	im, lib, root := newTestImporter(t)

	orphanDir := filepath.Join(root, "llm", "meta", "orphan_model")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "weights.gguf"), minimalGGUF(0), 0o644))

	adopted, err := im.AdoptOrphans()
	require.NoError(t, err)
	require.Equal(t, []string{"llm/meta/orphan_model"}, adopted)

	m, err := lib.GetModel("llm/meta/orphan_model")
	require.NoError(t, err)
	require.Equal(t, "llm", m.ModelType)
}

func TestAdoptOrphansSkipsDirsWithExistingMetadata(t *testing.T) {
	im, _, root := newTestImporter(t)

	dir := filepath.Join(root, "llm", "meta", "known")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.gguf"), minimalGGUF(0), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"cleaned_name":"known"}`), 0o644))

	adopted, err := im.AdoptOrphans()
	require.NoError(t, err)
	require.Empty(t, adopted)
}

func TestAdoptOrphansSkipsDirsWithoutWeightFiles(t *testing.T) {
	im, _, root := newTestImporter(t)

	dir := filepath.Join(root, "shared-resources")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

	adopted, err := im.AdoptOrphans()
	require.NoError(t, err)
	require.Empty(t, adopted)
}
