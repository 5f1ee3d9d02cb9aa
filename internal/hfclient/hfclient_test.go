package hfclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumas-run/pumas/internal/cache"
	"github.com/pumas-run/pumas/internal/hfcache"
	"github.com/pumas-run/pumas/internal/perrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	search, err := hfcache.Open(filepath.Join(root, "search.db"), hfcache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = search.Close() })

	tree, err := cache.Open(filepath.Join(root, "tree.db"), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	return New(srv.Client(), srv.URL, "", search, tree), srv
}

func TestSearchCachesResults(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]SearchResult{{RepoID: "meta/llama-3-8b", LastModified: "2024-01-01"}})
	})

	results, err := c.Search(context.Background(), SearchParams{Query: "llama"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "meta/llama-3-8b", results[0].RepoID)

	results, err = c.Search(context.Background(), SearchParams{Query: "llama"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, calls, "second search should be served from cache")
}

func TestGetRepoFilesPartitionsLFSAndRegular(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]treeEntry{
			{Path: "model.safetensors", Type: "file", Size: 1000, LFS: &struct {
				SHA256 string `json:"sha256"`
			}{SHA256: "abc123"}},
			{Path: "config.json", Type: "file", Size: 10},
			{Path: "subdir", Type: "directory"},
		})
	})

	tree, err := c.GetRepoFiles(context.Background(), "org/model")
	require.NoError(t, err)
	require.Len(t, tree.LFSFiles, 1)
	require.Equal(t, "model.safetensors", tree.LFSFiles[0].Filename)
	require.Equal(t, "abc123", tree.LFSFiles[0].SHA256)
	require.Equal(t, []string{"config.json"}, tree.RegularFiles)
}

func TestGetRepoFilesIsCachedAcrossCalls(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]treeEntry{{Path: "a.gguf", Type: "file", Size: 5}})
	})

	_, err := c.GetRepoFiles(context.Background(), "org/model")
	require.NoError(t, err)
	_, err = c.GetRepoFiles(context.Background(), "org/model")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestCheckStatusMapsRateLimit(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Search(context.Background(), SearchParams{Query: "x"})
	require.Error(t, err)
	var rl *perrors.RateLimited
	require.ErrorAs(t, err, &rl)
}

func TestSelectAuxiliaryFilesMatchesByBasename(t *testing.T) {
	got := SelectAuxiliaryFiles([]string{
		"config.json", "weird/nested/tokenizer.json", "README.md", "LICENSE",
	})
	require.ElementsMatch(t, []string{"config.json", "weird/nested/tokenizer.json"}, got)
}

func TestPlanDownloadByQuantSelectsMatchingShards(t *testing.T) {
	lfs := &struct {
		SHA256 string `json:"sha256"`
	}{SHA256: "abc123"}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]treeEntry{
			{Path: "model-Q4_K_M-00001-of-00002.gguf", Type: "file", Size: 100, LFS: lfs},
			{Path: "model-Q4_K_M-00002-of-00002.gguf", Type: "file", Size: 200, LFS: lfs},
			{Path: "model-Q8_0.gguf", Type: "file", Size: 300, LFS: lfs},
			{Path: "config.json", Type: "file", Size: 1},
		})
	})

	plan, err := c.PlanDownload(context.Background(), DownloadRequest{RepoID: "org/model", Quant: "Q4_K_M"})
	require.NoError(t, err)
	require.Len(t, plan.Files, 3) // 2 shards + config.json aux
	require.Equal(t, "model-Q4_K_M-00002-of-00002.gguf", plan.PrimaryFile)
	require.NotNil(t, plan.TotalBytes)
	require.Equal(t, int64(300), *plan.TotalBytes)
}

func TestLookupMetadataPrefersLFSMatch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/models" {
			_ = json.NewEncoder(w).Encode([]SearchResult{{RepoID: "meta/llama-3-8b"}})
			return
		}
		_ = json.NewEncoder(w).Encode([]treeEntry{
			{Path: "llama-3-8b-q4.gguf", Type: "file", Size: 100, LFS: &struct {
				SHA256 string `json:"sha256"`
			}{SHA256: "deadbeef"}},
		})
	})

	result, err := c.LookupMetadata(context.Background(), "llama-3-8b-q4.gguf", "")
	require.NoError(t, err)
	require.Equal(t, MatchMethodLFS, result.MatchMethod)
	require.Equal(t, 0.8, result.Confidence)
	require.Equal(t, "deadbeef", result.ExpectedSHA256)
}

func TestScoreFilenameMatchExactAndJaccard(t *testing.T) {
	conf, method := scoreFilenameMatch("meta/llama-3-8b", "meta/llama-3-8b")
	require.Equal(t, 1.0, conf)
	require.Equal(t, MatchMethodExact, method)

	conf, method = scoreFilenameMatch("org/totally-different", "something-else")
	require.Equal(t, MatchMethodJaccard, method)
	require.GreaterOrEqual(t, conf, 0.0)
}

func TestCoalescerDedupesConcurrentCalls(t *testing.T) {
	co := newCoalescer()
	var calls int
	start := make(chan struct{})

	results := make(chan any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			v, _ := co.do("same-key", func() (any, error) {
				calls++
				time.Sleep(20 * time.Millisecond)
				return "value", nil
			})
			results <- v
		}()
	}
	close(start)

	require.Equal(t, "value", <-results)
	require.Equal(t, "value", <-results)
	require.Equal(t, 1, calls)
}
