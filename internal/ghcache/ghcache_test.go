package ghcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumas-run/pumas/internal/perrors"
)

func newTestCache(t *testing.T, handler http.HandlerFunc) (*Cache, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.Client(), srv.URL+"/", "", t.TempDir(), DefaultConfig())
	require.NoError(t, err)
	return c, &calls
}

func releasesJSON(tags ...string) []map[string]any {
	var out []map[string]any
	for _, tag := range tags {
		out = append(out, map[string]any{"tag_name": tag, "name": tag})
	}
	return out
}

func TestGetReleasesHitsMemoryOnSecondCall(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(releasesJSON("v1.0.0"))
	})

	releases, err := c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	require.Len(t, releases, 1)

	_, err = c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	require.Equal(t, 1, *calls)
}

func TestGetReleasesForceRefreshBypassesMemory(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(releasesJSON("v1.0.0"))
	})

	_, err := c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	_, err = c.GetReleases(context.Background(), "ollama/ollama", true)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
}

func TestGetReleasesServesStaleDiskOnNetworkFailure(t *testing.T) {
	fail := false
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(releasesJSON("v1.0.0"))
	})
	c.cfg.TTL = time.Millisecond

	_, err := c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	c.memory.mu.Lock()
	delete(c.memory.entries, "ollama/ollama")
	c.memory.mu.Unlock()

	fail = true
	releases, err := c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Equal(t, "v1.0.0", releases[0].TagName)
}

func TestGetReleasesRateLimitedReturnsRetryAfter(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.GetReleases(context.Background(), "ollama/ollama", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")

	var rl *perrors.RateLimited
	require.ErrorAs(t, err, &rl)
	require.NotNil(t, rl.RetryAfterSec)
	require.Equal(t, 42, *rl.RetryAfterSec)
}

func TestGetLatestReleaseSkipsDraftsAndPrereleases(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"tag_name": "v2.0.0-rc1", "prerelease": true},
			{"tag_name": "v1.0.0", "prerelease": false, "draft": false},
		})
	})

	latest, err := c.GetLatestRelease(context.Background(), "ollama/ollama")
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", latest.TagName)
}

func TestGetReleaseByTagFindsExactMatch(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(releasesJSON("v1.0.0", "v2.0.0"))
	})

	release, err := c.GetReleaseByTag(context.Background(), "ollama/ollama", "v2.0.0")
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", release.TagName)
}

func TestInvalidateCacheClearsBothTiers(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(releasesJSON("v1.0.0"))
	})

	_, err := c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	require.NoError(t, c.InvalidateCache("ollama/ollama"))

	status := c.GetCacheStatus("ollama/ollama")
	require.False(t, status.InMemory)
	require.False(t, status.OnDisk)

	_, err = c.GetReleases(context.Background(), "ollama/ollama", false)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
}

func TestRepoSafeNameSanitizesSlashes(t *testing.T) {
	require.Equal(t, "ollama-ollama", repoSafeName("ollama/ollama"))
}

func TestDiskPathUsesConfiguredDir(t *testing.T) {
	require.Equal(t, filepath.Join("/tmp/x", "github-releases-a-b.json"), diskPath("/tmp/x", "a/b"))
}

func TestCoalescerDedupesConcurrentFetches(t *testing.T) {
	co := newCoalescer()
	var calls int
	start := make(chan struct{})
	results := make(chan []Release, 2)

	for i := 0; i < 2; i++ {
		go func() {
			<-start
			releases, _ := co.do("key", func() ([]Release, error) {
				calls++
				time.Sleep(10 * time.Millisecond)
				return []Release{{TagName: "v1"}}, nil
			})
			results <- releases
		}()
	}
	close(start)

	r1 := <-results
	r2 := <-results
	require.Equal(t, r1, r2)
	require.Equal(t, 1, calls)
}
