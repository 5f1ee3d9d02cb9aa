package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := openTestCache(t, Options{})
	require.NoError(t, c.Set("ns1", "k1", []byte("hello"), time.Hour))

	v, ok, err := c.Get("ns1", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := openTestCache(t, Options{})
	_, ok, err := c.Get("ns1", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetExpiredReturnsFalse(t *testing.T) {
	c := openTestCache(t, Options{})
	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	require.NoError(t, c.Set("ns1", "k1", []byte("v"), time.Second))

	c.now = func() time.Time { return fixedNow.Add(2 * time.Second) }
	_, ok, err := c.Get("ns1", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := openTestCache(t, Options{})
	require.NoError(t, c.Set("ns1", "k1", []byte("v"), time.Hour))
	require.NoError(t, c.Invalidate("ns1", "k1"))

	_, ok, err := c.Get("ns1", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateNamespaceClearsOnlyThatNamespace(t *testing.T) {
	c := openTestCache(t, Options{})
	require.NoError(t, c.Set("a", "k1", []byte("v"), time.Hour))
	require.NoError(t, c.Set("b", "k1", []byte("v"), time.Hour))

	require.NoError(t, c.InvalidateNamespace("a"))

	_, ok, err := c.Get("a", "k1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.Get("b", "k1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCleanupExpiredCountsRemoved(t *testing.T) {
	c := openTestCache(t, Options{})
	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	require.NoError(t, c.Set("ns", "expired", []byte("v"), -time.Second))
	require.NoError(t, c.Set("ns", "fresh", []byte("v"), time.Hour))

	n, err := c.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, ok, err := c.Get("ns", "fresh")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvictToSizeRemovesLeastRecentlyAccessedFirst(t *testing.T) {
	c := openTestCache(t, Options{})

	require.NoError(t, c.Set("ns", "old", []byte("12345"), time.Hour))
	require.NoError(t, c.Set("ns", "new", []byte("12345"), time.Hour))

	// Touch "new" so its last_accessed is bumped ahead of "old".
	_, _, err := c.Get("ns", "new")
	require.NoError(t, err)

	removed, err := c.EvictToSize(5)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, ok, err := c.Get("ns", "old")
	require.NoError(t, err)
	require.False(t, ok, "the least recently accessed entry should be evicted first")

	_, ok, err = c.Get("ns", "new")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSetTriggersAutomaticEvictionWhenEnabled(t *testing.T) {
	c := openTestCache(t, Options{MaxSizeBytes: 10, EnableEviction: true})

	require.NoError(t, c.Set("ns", "a", []byte("12345"), time.Hour))
	require.NoError(t, c.Set("ns", "b", []byte("12345"), time.Hour))
	require.NoError(t, c.Set("ns", "c", []byte("12345"), time.Hour))

	var total int64
	require.NoError(t, c.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&total))
	require.LessOrEqual(t, total, int64(10))
}
