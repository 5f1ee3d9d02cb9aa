package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	c, err := Load(t.TempDir(), nil)
	require.NoError(t, err)

	require.Equal(t, int64(4<<30), c.GenericCacheMaxSizeBytes())
	require.Equal(t, int64(4<<30), c.HFCacheMaxSizeBytes())
	require.Equal(t, 24*time.Hour, c.HFSearchTTL())
	require.Equal(t, 24*time.Hour, c.HFLastModifiedCheckThreshold())
	require.Equal(t, 5*time.Minute, c.HFRateLimitWindow())
	require.Equal(t, 24*time.Hour, c.HFRepoTreeTTL())
	require.Equal(t, 10, c.GitHubCacheMemoryEntries())
	require.Equal(t, time.Hour, c.GitHubCacheTTL())
	require.Equal(t, 30*time.Second, c.SearchRequestTimeout())
	require.Equal(t, 5, c.DownloadMaxRetries())
	require.Equal(t, time.Second, c.DownloadBaseDelay())
	require.Equal(t, 3, c.DownloadConcurrency())
	require.Equal(t, 5000, c.RegistryBusyTimeoutMs())
	require.Equal(t, 10*time.Second, c.DaemonLockTimeout())
}

func TestLoadReadsYAMLFileFromLibraryRoot(t *testing.T) {
	root := t.TempDir()
	yaml := "cache:\n  hf:\n    max_size_bytes: 1073741824\n    search_ttl: 1h\ndownload:\n  max_retries: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pumas.yaml"), []byte(yaml), 0o644))

	c, err := Load(root, nil)
	require.NoError(t, err)

	require.Equal(t, int64(1073741824), c.HFCacheMaxSizeBytes())
	require.Equal(t, time.Hour, c.HFSearchTTL())
	require.Equal(t, 9, c.DownloadMaxRetries())
	// Untouched keys keep their code default.
	require.Equal(t, int64(4<<30), c.GenericCacheMaxSizeBytes())
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.NoError(t, err)
}

func TestEnvVarOverridesYAMLFile(t *testing.T) {
	root := t.TempDir()
	yaml := "download:\n  max_retries: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pumas.yaml"), []byte(yaml), 0o644))

	t.Setenv("PUMAS_DOWNLOAD_MAX_RETRIES", "2")

	c, err := Load(root, nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.DownloadMaxRetries())
}

func TestFlagOverridesEnvAndYAML(t *testing.T) {
	root := t.TempDir()
	yaml := "download:\n  max_retries: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pumas.yaml"), []byte(yaml), 0o644))
	t.Setenv("PUMAS_DOWNLOAD_MAX_RETRIES", "2")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("download.max_retries", 5, "")
	require.NoError(t, flags.Set("download.max_retries", "1"))

	c, err := Load(root, flags)
	require.NoError(t, err)
	require.Equal(t, 1, c.DownloadMaxRetries())
}

func TestAllSettingsIncludesResolvedKeys(t *testing.T) {
	c, err := Load(t.TempDir(), nil)
	require.NoError(t, err)

	settings := c.AllSettings()
	require.Contains(t, settings, "cache")
	require.Contains(t, settings, "download")
}
