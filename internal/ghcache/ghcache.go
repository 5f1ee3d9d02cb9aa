package ghcache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/pumas-run/pumas/internal/perrors"
)

// Config tunes the cache's policy knobs.
type Config struct {
	MemoryEntries int
	TTL           time.Duration
	MaxPages      int
}

// DefaultConfig matches the "small, ~10 entries" in-memory tier and a
// one-hour disk TTL, after which the next GetReleases call attempts a
// network refresh.
func DefaultConfig() Config {
	return Config{MemoryEntries: 10, TTL: time.Hour, MaxPages: 5}
}

// Cache is the three-tier (memory, disk, network) GitHub releases cache.
type Cache struct {
	gh      *github.Client
	diskDir string
	cfg     Config
	memory  *memoryTier
	coalesc *coalescer
	now     func() time.Time
}

// New builds a Cache. httpClient is typically http.DefaultClient in
// production or an httptest server's client in tests; baseURL, when
// non-empty, points the GitHub client at a test server instead of the
// real API.
func New(httpClient *http.Client, baseURL, token string, diskDir string, cfg Config) (*Cache, error) {
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, perrors.InvalidInput("ghcache.New", "baseURL", err.Error())
		}
	}
	return &Cache{
		gh:      gh,
		diskDir: diskDir,
		cfg:     cfg,
		memory:  newMemoryTier(cfg.MemoryEntries),
		coalesc: newCoalescer(),
		now:     time.Now,
	}, nil
}

// GetReleases implements the memory -> disk -> network fallback policy:
// a memory hit (unless forceRefresh) returns immediately; a fresh disk
// hit warms memory and returns; a stale disk hit attempts a network
// refresh but falls back to the stale data on failure; otherwise (or on
// forceRefresh) it goes straight to the network.
func (c *Cache) GetReleases(ctx context.Context, repo string, forceRefresh bool) ([]Release, error) {
	if !forceRefresh {
		if releases, ok := c.memory.get(repo); ok {
			return releases, nil
		}
	}

	disk, err := readDisk(c.diskDir, repo)
	if err != nil {
		return nil, err
	}

	if disk != nil && !forceRefresh {
		if disk.fresh(c.now()) {
			c.memory.set(repo, disk.Releases, c.cfg.TTL)
			return disk.Releases, nil
		}
		releases, err := c.fetchCoalesced(ctx, repo)
		if err != nil {
			return disk.Releases, nil
		}
		return releases, nil
	}

	releases, err := c.fetchCoalesced(ctx, repo)
	if err != nil {
		if disk != nil {
			return disk.Releases, nil
		}
		return nil, err
	}
	return releases, nil
}

// GetLatestRelease returns the newest non-draft, non-prerelease entry.
func (c *Cache) GetLatestRelease(ctx context.Context, repo string) (*Release, error) {
	releases, err := c.GetReleases(ctx, repo, false)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if !releases[i].Draft && !releases[i].Prerelease {
			return &releases[i], nil
		}
	}
	return nil, perrors.NotFound("ghcache.GetLatestRelease", repo)
}

// GetReleaseByTag finds a release by its exact tag.
func (c *Cache) GetReleaseByTag(ctx context.Context, repo, tag string) (*Release, error) {
	releases, err := c.GetReleases(ctx, repo, false)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if releases[i].TagName == tag {
			return &releases[i], nil
		}
	}
	return nil, perrors.NotFound("ghcache.GetReleaseByTag", repo+"@"+tag)
}

// GetCacheStatus reports which tiers currently hold repo's releases.
func (c *Cache) GetCacheStatus(repo string) CacheStatus {
	status := CacheStatus{Repo: repo}
	if _, ok := c.memory.get(repo); ok {
		status.InMemory = true
	}
	disk, err := readDisk(c.diskDir, repo)
	if err == nil && disk != nil {
		status.OnDisk = true
		status.LastFetched = disk.LastFetched
		status.Fresh = disk.fresh(c.now())
	}
	return status
}

// InvalidateCache drops both the memory and disk entries for repo.
func (c *Cache) InvalidateCache(repo string) error {
	c.memory.mu.Lock()
	delete(c.memory.entries, repo)
	c.memory.mu.Unlock()
	return removeDisk(c.diskDir, repo)
}

func (c *Cache) fetchCoalesced(ctx context.Context, repo string) ([]Release, error) {
	releases, err := c.coalesc.do(repo, func() ([]Release, error) {
		return c.fetchFromNetwork(ctx, repo)
	})
	if err != nil {
		return nil, err
	}
	fetchedAt := c.now()
	c.memory.set(repo, releases, c.cfg.TTL)
	if err := writeDisk(c.diskDir, repo, releases, fetchedAt, c.cfg.TTL); err != nil {
		return nil, err
	}
	return releases, nil
}

func (c *Cache) fetchFromNetwork(ctx context.Context, repo string) ([]Release, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, perrors.InvalidInput("ghcache.fetchFromNetwork", "repo", "expected owner/name")
	}

	var all []Release
	opts := &github.ListOptions{PerPage: 100}
	for page := 0; page < c.cfg.MaxPages; page++ {
		releases, resp, err := c.gh.Repositories.ListReleases(ctx, owner, name, opts)
		if err != nil {
			return nil, translateGitHubError(err)
		}
		for _, r := range releases {
			all = append(all, fromGitHubRelease(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func fromGitHubRelease(r *github.RepositoryRelease) Release {
	out := Release{
		TagName:    r.GetTagName(),
		Name:       r.GetName(),
		Prerelease: r.GetPrerelease(),
		Draft:      r.GetDraft(),
	}
	if r.PublishedAt != nil {
		out.PublishedAt = r.PublishedAt.Time
	}
	for _, a := range r.Assets {
		out.Assets = append(out.Assets, Asset{
			Name:               a.GetName(),
			BrowserDownloadURL: a.GetBrowserDownloadURL(),
			SizeBytes:          int64(a.GetSize()),
		})
	}
	return out
}

func translateGitHubError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		secs := secondsUntil(rateErr.Rate.Reset.Time)
		return &perrors.RateLimited{Service: "GitHub", RetryAfterSec: &secs}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var secs *int
		if abuseErr.RetryAfter != nil {
			s := int(abuseErr.RetryAfter.Seconds())
			secs = &s
		}
		return &perrors.RateLimited{Service: "GitHub", RetryAfterSec: secs}
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		status := 0
		if ghErr.Response != nil {
			status = ghErr.Response.StatusCode
			if status == http.StatusForbidden || status == http.StatusTooManyRequests {
				secs := retryAfterFromHeader(ghErr.Response.Header.Get("Retry-After"))
				return &perrors.RateLimited{Service: "GitHub", RetryAfterSec: secs}
			}
		}
		return &perrors.GitHubAPI{Message: ghErr.Message, StatusCode: status}
	}
	return &perrors.Network{Retryable: true, Cause: err}
}

func secondsUntil(t time.Time) int {
	d := int(time.Until(t).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

func retryAfterFromHeader(v string) *int {
	if v == "" {
		return nil
	}
	n := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return nil
		}
		n = n*10 + int(ch-'0')
	}
	return &n
}
