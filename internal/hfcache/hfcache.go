// Package hfcache implements a HuggingFace search/repo-details cache: a
// separate SQLite file from the generic cache, with query-normalized
// search keys, lastModified-based conditional refresh for repo details,
// and LRU eviction once the file exceeds its configured size budget.
package hfcache

import (
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pumas-run/pumas/internal/perrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_results (
	query_normalized TEXT NOT NULL,
	kind             TEXT NOT NULL DEFAULT '',
	limit_n          INTEGER NOT NULL,
	offset_n         INTEGER NOT NULL,
	repo_ids_json    TEXT NOT NULL,
	cached_at        INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	size_bytes       INTEGER NOT NULL,
	last_accessed    INTEGER NOT NULL,
	PRIMARY KEY (query_normalized, kind, limit_n, offset_n)
);

CREATE TABLE IF NOT EXISTS repo_details (
	repo_id        TEXT PRIMARY KEY,
	details_json   TEXT NOT NULL,
	last_modified  TEXT NOT NULL DEFAULT '',
	cached_at      INTEGER NOT NULL,
	size_bytes     INTEGER NOT NULL,
	last_accessed  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_repo_details_last_accessed ON repo_details(last_accessed);
`

// Default tunables for the cache.
const (
	DefaultMaxSizeBytes              = 4 * 1024 * 1024 * 1024
	DefaultSearchTTL                 = 24 * time.Hour
	DefaultLastModifiedCheckInterval = 24 * time.Hour
	DefaultRateLimitWindow           = 5 * time.Minute
)

// Config bundles the cache's tunables.
type Config struct {
	MaxSizeBytes              int64
	SearchTTL                 time.Duration
	LastModifiedCheckInterval time.Duration
	RateLimitWindow           time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:              DefaultMaxSizeBytes,
		SearchTTL:                 DefaultSearchTTL,
		LastModifiedCheckInterval: DefaultLastModifiedCheckInterval,
		RateLimitWindow:           DefaultRateLimitWindow,
	}
}

// Cache is the HF-specific SQLite cache.
type Cache struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Open creates or opens the HF cache database at path.
func Open(path string, cfg Config) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, perrors.WrapDB("hfcache.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, perrors.WrapDB("hfcache.Open schema", err)
	}
	return &Cache{db: db, cfg: cfg, now: time.Now}, nil
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// NormalizeQuery normalizes a search key for cache lookups.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// GetSearchResults returns the cached repo_id list for a search key if a
// fresh entry exists.
func (c *Cache) GetSearchResults(query, kind string, limit, offset int) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var repoIDsJSON string
	var expiresAt int64
	err := c.db.QueryRow(`
		SELECT repo_ids_json, expires_at FROM search_results
		WHERE query_normalized = ? AND kind = ? AND limit_n = ? AND offset_n = ?
	`, NormalizeQuery(query), kind, limit, offset).Scan(&repoIDsJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, perrors.WrapDB("hfcache.GetSearchResults", err)
	}
	if expiresAt <= c.now().Unix() {
		return nil, false, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(repoIDsJSON), &ids); err != nil {
		return nil, false, perrors.WrapDB("hfcache.GetSearchResults decode", err)
	}

	now := c.now().Unix()
	_, _ = c.db.Exec(`
		UPDATE search_results SET last_accessed = ?
		WHERE query_normalized = ? AND kind = ? AND limit_n = ? AND offset_n = ?
	`, now, NormalizeQuery(query), kind, limit, offset)
	return ids, true, nil
}

// CacheSearchResults stores a search result page.
func (c *Cache) CacheSearchResults(query, kind string, limit, offset int, repoIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(repoIDs)
	if err != nil {
		return perrors.WrapDB("hfcache.CacheSearchResults encode", err)
	}
	now := c.now()
	_, err = c.db.Exec(`
		INSERT INTO search_results
			(query_normalized, kind, limit_n, offset_n, repo_ids_json, cached_at, expires_at, size_bytes, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (query_normalized, kind, limit_n, offset_n) DO UPDATE SET
			repo_ids_json = excluded.repo_ids_json,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at,
			size_bytes = excluded.size_bytes,
			last_accessed = excluded.last_accessed
	`, NormalizeQuery(query), kind, limit, offset, string(data),
		now.Unix(), now.Add(c.cfg.SearchTTL).Unix(), len(data), now.Unix())
	if err != nil {
		return perrors.WrapDB("hfcache.CacheSearchResults", err)
	}
	return c.evictIfOverBudgetLocked()
}

// RepoDetails is the cached per-repo detail row.
type RepoDetails struct {
	RepoID       string
	DetailsJSON  string
	LastModified string
	CachedAt     time.Time
}

// GetRepoDetails returns the cached details for repoID, if present.
func (c *Cache) GetRepoDetails(repoID string) (*RepoDetails, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rd RepoDetails
	var cachedAt int64
	err := c.db.QueryRow(
		`SELECT repo_id, details_json, last_modified, cached_at FROM repo_details WHERE repo_id = ?`,
		repoID,
	).Scan(&rd.RepoID, &rd.DetailsJSON, &rd.LastModified, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, perrors.WrapDB("hfcache.GetRepoDetails", err)
	}
	rd.CachedAt = time.Unix(cachedAt, 0)

	now := c.now().Unix()
	_, _ = c.db.Exec(`UPDATE repo_details SET last_accessed = ? WHERE repo_id = ?`, now, repoID)
	return &rd, true, nil
}

// CacheRepoDetails stores repo details, estimating data_size_bytes from
// the serialized field lengths plus a constant per-row overhead, and runs
// LRU eviction if the store exceeds its configured limit.
func (c *Cache) CacheRepoDetails(repoID, detailsJSON, lastModified string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	const rowOverheadBytes = 64
	size := len(repoID) + len(detailsJSON) + len(lastModified) + rowOverheadBytes

	now := c.now().Unix()
	_, err := c.db.Exec(`
		INSERT INTO repo_details (repo_id, details_json, last_modified, cached_at, size_bytes, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id) DO UPDATE SET
			details_json = excluded.details_json,
			last_modified = excluded.last_modified,
			cached_at = excluded.cached_at,
			size_bytes = excluded.size_bytes,
			last_accessed = excluded.last_accessed
	`, repoID, detailsJSON, lastModified, now, size, now)
	if err != nil {
		return perrors.WrapDB("hfcache.CacheRepoDetails", err)
	}
	return c.evictIfOverBudgetLocked()
}

// NeedsRefresh reports whether repo details should be refetched: true iff
// there is no cached row, or the cached row is older than the configured
// check interval AND the upstream search_last_modified is newer than what
// we have cached.
func (c *Cache) NeedsRefresh(repoID string, searchLastModified string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastModified string
	var cachedAt int64
	err := c.db.QueryRow(
		`SELECT last_modified, cached_at FROM repo_details WHERE repo_id = ?`,
		repoID,
	).Scan(&lastModified, &cachedAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, perrors.WrapDB("hfcache.NeedsRefresh", err)
	}

	age := c.now().Sub(time.Unix(cachedAt, 0))
	if age <= c.cfg.LastModifiedCheckInterval {
		return false, nil
	}
	return searchLastModified > lastModified, nil
}

func (c *Cache) evictIfOverBudgetLocked() error {
	if c.cfg.MaxSizeBytes <= 0 {
		return nil
	}
	var total int64
	if err := c.db.QueryRow(`
		SELECT
			COALESCE((SELECT SUM(size_bytes) FROM search_results), 0) +
			COALESCE((SELECT SUM(size_bytes) FROM repo_details), 0)
	`).Scan(&total); err != nil {
		return perrors.WrapDB("hfcache.evictIfOverBudget sum", err)
	}
	for total > c.cfg.MaxSizeBytes {
		removed, err := c.evictOldestEntryLocked()
		if err != nil {
			return err
		}
		if removed == 0 {
			break
		}
		total -= removed
	}
	return nil
}

// evictOldestEntryLocked removes the globally least-recently-accessed row
// across both tables and returns its freed size in bytes.
func (c *Cache) evictOldestEntryLocked() (int64, error) {
	type candidate struct {
		table        string
		lastAccessed int64
		size         int64
		key1, key2, key3, key4 sql.NullString
	}

	var sr candidate
	sr.table = "search_results"
	srErr := c.db.QueryRow(`
		SELECT query_normalized, kind, limit_n, offset_n, size_bytes, last_accessed
		FROM search_results ORDER BY last_accessed ASC LIMIT 1
	`).Scan(&sr.key1, &sr.key2, &sr.key3, &sr.key4, &sr.size, &sr.lastAccessed)

	var rd candidate
	rd.table = "repo_details"
	var rdRepoID sql.NullString
	rdErr := c.db.QueryRow(`
		SELECT repo_id, size_bytes, last_accessed FROM repo_details ORDER BY last_accessed ASC LIMIT 1
	`).Scan(&rdRepoID, &rd.size, &rd.lastAccessed)

	haveSR := srErr == nil
	haveRD := rdErr == nil
	if !haveSR && !haveRD {
		return 0, nil
	}

	pickSR := haveSR && (!haveRD || sr.lastAccessed <= rd.lastAccessed)
	if pickSR {
		_, err := c.db.Exec(`
			DELETE FROM search_results WHERE query_normalized = ? AND kind = ? AND limit_n = ? AND offset_n = ?
		`, sr.key1, sr.key2, sr.key3, sr.key4)
		if err != nil {
			return 0, perrors.WrapDB("hfcache.evictOldestEntry search_results", err)
		}
		return sr.size, nil
	}

	_, err := c.db.Exec(`DELETE FROM repo_details WHERE repo_id = ?`, rdRepoID)
	if err != nil {
		return 0, perrors.WrapDB("hfcache.evictOldestEntry repo_details", err)
	}
	return rd.size, nil
}
