// Package ghcache implements the three-tier (memory, disk, network)
// cache for GitHub release listings, with in-flight request coalescing
// so concurrent callers for the same repo share one network round trip.
package ghcache

import "time"

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	SizeBytes          int64  `json:"size_bytes"`
}

// Release is the subset of a GitHub release the rest of the system needs.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
	Assets      []Asset   `json:"assets"`
}

// CacheStatus reports which tier last served (or would serve) a repo's
// releases, for diagnostics.
type CacheStatus struct {
	Repo        string    `json:"repo"`
	InMemory    bool      `json:"in_memory"`
	OnDisk      bool      `json:"on_disk"`
	LastFetched time.Time `json:"last_fetched,omitempty"`
	Fresh       bool      `json:"fresh"`
}
