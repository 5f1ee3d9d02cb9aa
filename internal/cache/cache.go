// Package cache implements a generic namespaced SQLite key-value cache: a
// single SQLite connection guarded by a process-level mutex, WAL
// journaling, and size-based LRU eviction.
package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pumas-run/pumas/internal/perrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace     TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         BLOB NOT NULL,
	cached_at     INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	size_bytes    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
`

// Options configures eviction behavior.
type Options struct {
	MaxSizeBytes   int64
	EnableEviction bool
}

// Cache is a namespaced, TTL'd, size-bounded SQLite-backed key-value store.
type Cache struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// Open creates or opens a SQLite-backed cache at path.
func Open(path string, opts Options) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, perrors.WrapDB("cache.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, perrors.WrapDB("cache.Open schema", err)
	}
	return &Cache{db: db, opts: opts, now: time.Now}, nil
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached value for (ns, key) iff it has not expired,
// best-effort bumping last_accessed along the way.
func (c *Cache) Get(ns, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	var value []byte
	var expiresAt int64
	err := c.db.QueryRow(
		`SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		ns, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, perrors.WrapDB("cache.Get", err)
	}
	if expiresAt <= now {
		return nil, false, nil
	}

	_, _ = c.db.Exec(`UPDATE cache_entries SET last_accessed = ? WHERE namespace = ? AND key = ?`, now, ns, key)
	return value, true, nil
}

// Set inserts or replaces (ns, key) with a TTL relative to now.
func (c *Cache) Set(ns, key string, value []byte, ttl time.Duration) error {
	return c.SetWithExpiry(ns, key, value, c.now().Add(ttl))
}

// SetWithExpiry inserts or replaces (ns, key) with an explicit expiry time.
func (c *Cache) SetWithExpiry(ns, key string, value []byte, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	_, err := c.db.Exec(`
		INSERT INTO cache_entries (namespace, key, value, cached_at, expires_at, size_bytes, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at,
			size_bytes = excluded.size_bytes,
			last_accessed = excluded.last_accessed
	`, ns, key, value, now, expiresAt.Unix(), len(value), now)
	if err != nil {
		return perrors.WrapDB("cache.Set", err)
	}

	if c.opts.EnableEviction && c.opts.MaxSizeBytes > 0 {
		if err := c.evictToSizeLocked(c.opts.MaxSizeBytes); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes a single (ns, key) entry.
func (c *Cache) Invalidate(ns, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, ns, key)
	return perrors.WrapDB("cache.Invalidate", err)
}

// InvalidateNamespace removes every entry under ns.
func (c *Cache) InvalidateNamespace(ns string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ?`, ns)
	return perrors.WrapDB("cache.InvalidateNamespace", err)
}

// CleanupExpired deletes every entry whose expires_at has passed and
// returns the number removed.
func (c *Cache) CleanupExpired() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().Unix())
	if err != nil {
		return 0, perrors.WrapDB("cache.CleanupExpired", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EvictToSize deletes rows in ascending last_accessed order until the
// total size_bytes is at or below maxBytes, returning the count removed.
func (c *Cache) EvictToSize(maxBytes int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictToSizeLocked(maxBytes)
}

func (c *Cache) evictToSizeLocked(maxBytes int64) (int64, error) {
	var total int64
	if err := c.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&total); err != nil {
		return 0, perrors.WrapDB("cache.evictToSize sum", err)
	}

	var removed int64
	for total > maxBytes {
		var ns, key string
		var size int64
		err := c.db.QueryRow(
			`SELECT namespace, key, size_bytes FROM cache_entries ORDER BY last_accessed ASC LIMIT 1`,
		).Scan(&ns, &key, &size)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return removed, perrors.WrapDB("cache.evictToSize select", err)
		}
		if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, ns, key); err != nil {
			return removed, perrors.WrapDB("cache.evictToSize delete", err)
		}
		total -= size
		removed++
	}
	return removed, nil
}
