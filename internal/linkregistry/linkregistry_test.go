package linkregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "links.json")
	r, err := Open(path)
	require.NoError(t, err)
	return r, path
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	r, _ := openTestRegistry(t)
	require.Empty(t, r.GetAll())
}

func TestRegisterPersistsAcrossReopen(t *testing.T) {
	r, path := openTestRegistry(t)
	entry := Entry{ModelID: "llm/a/a", Source: "/lib/a", Target: "/app/a", LinkType: LinkSymlink, CreatedAt: time.Now()}
	require.NoError(t, r.Register(entry))

	reopened, err := Open(path)
	require.NoError(t, err)
	all := reopened.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, entry.ModelID, all[0].ModelID)
}

func TestRegisterReplacesSameTarget(t *testing.T) {
	r, _ := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Target: "/app/a", LinkType: LinkSymlink}))
	require.NoError(t, r.Register(Entry{ModelID: "llm/b/b", Target: "/app/a", LinkType: LinkHardlink}))

	all := r.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, "llm/b/b", all[0].ModelID)
	require.Equal(t, LinkHardlink, all[0].LinkType)
}

func TestGetLinksForModel(t *testing.T) {
	r, _ := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Target: "/app/a"}))
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Target: "/app/a2"}))
	require.NoError(t, r.Register(Entry{ModelID: "llm/b/b", Target: "/app/b"}))

	links := r.GetLinksForModel("llm/a/a")
	require.Len(t, links, 2)
}

func TestRemoveAllForModelReturnsTargets(t *testing.T) {
	r, _ := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Target: "/app/a"}))
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Target: "/app/a2"}))
	require.NoError(t, r.Register(Entry{ModelID: "llm/b/b", Target: "/app/b"}))

	removed, err := r.RemoveAllForModel("llm/a/a")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/app/a", "/app/a2"}, removed)
	require.Len(t, r.GetAll(), 1)
}

func TestCleanupBrokenSymlinkMissingSource(t *testing.T) {
	dir := t.TempDir()
	r, _ := openTestRegistry(t)

	missingSource := filepath.Join(dir, "gone")
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Source: missingSource, Target: filepath.Join(dir, "t1"), LinkType: LinkSymlink}))

	broken, err := r.CleanupBroken()
	require.NoError(t, err)
	require.Len(t, broken, 1)
	require.Empty(t, r.GetAll())
}

func TestCleanupBrokenCopyMissingTarget(t *testing.T) {
	dir := t.TempDir()
	r, _ := openTestRegistry(t)

	missingTarget := filepath.Join(dir, "gone")
	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Source: dir, Target: missingTarget, LinkType: LinkCopy}))

	broken, err := r.CleanupBroken()
	require.NoError(t, err)
	require.Len(t, broken, 1)
}

func TestCleanupBrokenKeepsHealthyEntries(t *testing.T) {
	dir := t.TempDir()
	r, _ := openTestRegistry(t)

	source := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(source, []byte("x"), 0o644))

	require.NoError(t, r.Register(Entry{ModelID: "llm/a/a", Source: source, Target: filepath.Join(dir, "t"), LinkType: LinkSymlink}))

	broken, err := r.CleanupBroken()
	require.NoError(t, err)
	require.Empty(t, broken)
	require.Len(t, r.GetAll(), 1)
}
