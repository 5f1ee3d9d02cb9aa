// Package config is a thin typed wrapper over viper, giving the rest of
// the module named getters instead of scattering string keys.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is a resolved, typed view over pumas.yaml, PUMAS_* environment
// variables, and CLI flags, in that increasing order of precedence.
type Config struct {
	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.generic.max_size_bytes", int64(4<<30))
	v.SetDefault("cache.hf.max_size_bytes", int64(4<<30))
	v.SetDefault("cache.hf.search_ttl", 24*time.Hour)
	v.SetDefault("cache.hf.last_modified_check_threshold", 24*time.Hour)
	v.SetDefault("cache.hf.rate_limit_window", 5*time.Minute)
	v.SetDefault("cache.hf.repo_tree_ttl", 24*time.Hour)
	v.SetDefault("cache.github.memory_entries", 10)
	v.SetDefault("cache.github.ttl", time.Hour)

	v.SetDefault("rpc.search_timeout", 30*time.Second)

	v.SetDefault("download.max_retries", 5)
	v.SetDefault("download.base_delay", time.Second)
	v.SetDefault("download.concurrency", 3)

	v.SetDefault("registry.busy_timeout_ms", 5000)

	v.SetDefault("lock.daemon_timeout", 10*time.Second)
}

// Load resolves configuration from pumas.yaml in libraryRoot (if
// present), PUMAS_-prefixed environment variables, and flags (if
// non-nil, bound last so flags win).
func Load(libraryRoot string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("pumas")
	v.SetConfigType("yaml")
	if libraryRoot != "" {
		v.AddConfigPath(libraryRoot)
	}

	v.SetEnvPrefix("PUMAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	return &Config{v: v}, nil
}

// GenericCacheMaxSizeBytes bounds internal/cache's total size_bytes.
func (c *Config) GenericCacheMaxSizeBytes() int64 { return c.v.GetInt64("cache.generic.max_size_bytes") }

// HFCacheMaxSizeBytes bounds internal/hfcache's total size_bytes.
func (c *Config) HFCacheMaxSizeBytes() int64 { return c.v.GetInt64("cache.hf.max_size_bytes") }

// HFSearchTTL is how long a cached search result page stays fresh.
func (c *Config) HFSearchTTL() time.Duration { return c.v.GetDuration("cache.hf.search_ttl") }

// HFLastModifiedCheckThreshold is the cached-row age past which a
// conditional refresh against the upstream lastModified is attempted.
func (c *Config) HFLastModifiedCheckThreshold() time.Duration {
	return c.v.GetDuration("cache.hf.last_modified_check_threshold")
}

// HFRateLimitWindow bounds the sliding window used for HF rate tracking.
func (c *Config) HFRateLimitWindow() time.Duration {
	return c.v.GetDuration("cache.hf.rate_limit_window")
}

// HFRepoTreeTTL is the TTL for the memoized repo-tree file cache.
func (c *Config) HFRepoTreeTTL() time.Duration { return c.v.GetDuration("cache.hf.repo_tree_ttl") }

// GitHubCacheMemoryEntries bounds the in-memory releases cache tier.
func (c *Config) GitHubCacheMemoryEntries() int { return c.v.GetInt("cache.github.memory_entries") }

// GitHubCacheTTL is the freshness window for a cached release listing.
func (c *Config) GitHubCacheTTL() time.Duration { return c.v.GetDuration("cache.github.ttl") }

// SearchRequestTimeout bounds search/tree RPCs, independent of the
// download client's own timeout policy.
func (c *Config) SearchRequestTimeout() time.Duration {
	return c.v.GetDuration("rpc.search_timeout")
}

// DownloadMaxRetries is the per-file retry ceiling before a download
// attempt is abandoned.
func (c *Config) DownloadMaxRetries() int { return c.v.GetInt("download.max_retries") }

// DownloadBaseDelay is the starting exponential-backoff delay between
// download retries.
func (c *Config) DownloadBaseDelay() time.Duration { return c.v.GetDuration("download.base_delay") }

// DownloadConcurrency bounds how many files of a multi-file download run
// at once.
func (c *Config) DownloadConcurrency() int { return c.v.GetInt("download.concurrency") }

// RegistryBusyTimeoutMs is the SQLite busy_timeout for the global
// registry database.
func (c *Config) RegistryBusyTimeoutMs() int { return c.v.GetInt("registry.busy_timeout_ms") }

// DaemonLockTimeout bounds how long startup waits to acquire the
// library root's advisory lock before giving up.
func (c *Config) DaemonLockTimeout() time.Duration {
	return c.v.GetDuration("lock.daemon_timeout")
}

// AllSettings returns every resolved setting.
func (c *Config) AllSettings() map[string]any { return c.v.AllSettings() }
