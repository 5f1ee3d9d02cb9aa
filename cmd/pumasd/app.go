package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pumas-run/pumas/internal/cache"
	"github.com/pumas-run/pumas/internal/config"
	"github.com/pumas-run/pumas/internal/ghcache"
	"github.com/pumas-run/pumas/internal/hfcache"
	"github.com/pumas-run/pumas/internal/hfclient"
	"github.com/pumas-run/pumas/internal/importer"
	"github.com/pumas-run/pumas/internal/library"
	"github.com/pumas-run/pumas/internal/linkregistry"
	"github.com/pumas-run/pumas/internal/mapper"
	"github.com/pumas-run/pumas/internal/modelindex"
)

// App bundles every opened component for one library root, following the
// on-disk layout under library_root/ (models.db, link_registry.json,
// launcher-data/cache/..., shared-resources/cache/search.sqlite).
type App struct {
	Root     string
	Cfg      *config.Config
	Index    *modelindex.Index
	Links    *linkregistry.Registry
	Library  *library.Library
	Importer *importer.Importer
	Cache    *cache.Cache
	HFCache  *hfcache.Cache
	HFClient *hfclient.Client
	GitHub   *ghcache.Cache
	Mapper   struct {
		ConfigDir string
	}

	closers []func() error
}

func defaultLibraryRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "pumas-library")
	}
	return "."
}

// openApp opens every component rooted at root, creating the directory
// layout described under EXTERNAL INTERFACES if it doesn't exist yet.
func openApp(root, cfgFile string) (*App, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating library root: %w", err)
	}

	cfg, err := loadConfig(root, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	app := &App{Root: root, Cfg: cfg}

	launcherCache := filepath.Join(root, "launcher-data", "cache")
	sharedCache := filepath.Join(root, "shared-resources", "cache")
	mappingConfigs := filepath.Join(root, "launcher-data", "mapping-configs")
	for _, dir := range []string{launcherCache, filepath.Join(launcherCache, "hf"), sharedCache, mappingConfigs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	app.Mapper.ConfigDir = mappingConfigs

	idx, err := modelindex.Open(filepath.Join(root, "models.db"))
	if err != nil {
		return nil, fmt.Errorf("opening model index: %w", err)
	}
	app.Index = idx
	app.addCloser(idx.Close)

	links, err := linkregistry.Open(filepath.Join(root, "link_registry.json"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening link registry: %w", err)
	}
	app.Links = links

	app.Library = library.Open(root, idx, links)
	app.Importer = importer.New(app.Library, root)

	genericCache, err := cache.Open(filepath.Join(launcherCache, "models_cache.sqlite"), cache.Options{
		MaxSizeBytes:   cfg.GenericCacheMaxSizeBytes(),
		EnableEviction: true,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening generic cache: %w", err)
	}
	app.Cache = genericCache
	app.addCloser(genericCache.Close)

	hfCache, err := hfcache.Open(filepath.Join(sharedCache, "search.sqlite"), hfcache.Config{
		MaxSizeBytes:              cfg.HFCacheMaxSizeBytes(),
		SearchTTL:                 cfg.HFSearchTTL(),
		LastModifiedCheckInterval: cfg.HFLastModifiedCheckThreshold(),
		RateLimitWindow:           cfg.HFRateLimitWindow(),
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening HF search cache: %w", err)
	}
	app.HFCache = hfCache
	app.addCloser(hfCache.Close)

	app.HFClient = hfclient.New(http.DefaultClient, "", os.Getenv("HF_TOKEN"), hfCache, genericCache)

	gh, err := ghcache.New(http.DefaultClient, "", os.Getenv("GITHUB_TOKEN"), launcherCache, ghcache.Config{
		MemoryEntries: cfg.GitHubCacheMemoryEntries(),
		TTL:           cfg.GitHubCacheTTL(),
		MaxPages:      ghcache.DefaultConfig().MaxPages,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening GitHub releases cache: %w", err)
	}
	app.GitHub = gh

	if err := mapper.EnsureDefaultConfigs(mappingConfigs); err != nil {
		app.Close()
		return nil, fmt.Errorf("writing default mapping configs: %w", err)
	}

	return app, nil
}

func (a *App) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every opened handle in reverse-open order, collecting the
// first error encountered while still attempting the rest.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func loadConfig(root, cfgFile string) (*config.Config, error) {
	if cfgFile == "" {
		return config.Load(root, nil)
	}
	// An explicit --config overrides the discovery path by pointing
	// viper straight at libraryRoot=dir(cfgFile); Load only ever looks
	// for "pumas.yaml" in one directory, so pass that directory along.
	return config.Load(filepath.Dir(cfgFile), nil)
}
