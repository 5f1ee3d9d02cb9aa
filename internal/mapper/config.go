// Package mapper resolves per-app mapping configs and projects library
// models into app model directories via symlink (falling back to
// hardlink, then copy), tracking every created link in the link
// registry.
package mapper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pumas-run/pumas/internal/perrors"
)

// MappingRule is one target-directory rule within an app's config.
type MappingRule struct {
	TargetDir   string   `json:"target_dir" yaml:"target_dir"`
	ModelTypes  []string `json:"model_types,omitempty" yaml:"model_types,omitempty"`
	Subtypes    []string `json:"subtypes,omitempty" yaml:"subtypes,omitempty"`
	Families    []string `json:"families,omitempty" yaml:"families,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ExcludeTags []string `json:"exclude_tags,omitempty" yaml:"exclude_tags,omitempty"`
}

// AppVariantConfig is one `<app>_<version>_<variant>.json` file's content.
type AppVariantConfig struct {
	App      string        `json:"app" yaml:"app"`
	Version  string        `json:"version" yaml:"version"`
	Variant  string        `json:"variant,omitempty" yaml:"variant,omitempty"`
	Mappings []MappingRule `json:"mappings" yaml:"mappings"`
}

const variantCustom = "custom"

// parseConfigStem splits a config file's stem (filename without
// extension) into its app/version/variant segments.
func parseConfigStem(stem string) (app, version, variant string, ok bool) {
	parts := strings.SplitN(stem, "_", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// specificity scores a config's precedence: an exact version match
// outranks the wildcard, and the custom variant outranks default.
func specificity(version, variant, requestedVersion string) int {
	score := 0
	if version == requestedVersion {
		score += 4
	}
	if variant == variantCustom {
		score += 2
	}
	return score
}

// ResolveConfig scans configDir for files belonging to app, filters by
// version compatibility, and merges their mappings in ascending
// specificity order so more specific configs' target_dir entries
// replace less specific ones rather than accumulate.
func ResolveConfig(configDir, app, version string) (*AppVariantConfig, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &AppVariantConfig{App: app, Version: version}, nil
		}
		return nil, perrors.Io("mapper.ResolveConfig", configDir, err)
	}

	type scored struct {
		cfg   AppVariantConfig
		score int
	}
	var candidates []scored

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		fileApp, fileVersion, variant, ok := parseConfigStem(stem)
		if !ok || fileApp != app {
			continue
		}
		if fileVersion != "*" && fileVersion != version {
			continue
		}

		data, err := os.ReadFile(filepath.Join(configDir, e.Name())) // #nosec G304 -- configDir is operator-controlled
		if err != nil {
			return nil, perrors.Io("mapper.ResolveConfig", e.Name(), err)
		}
		var cfg AppVariantConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, perrors.InvalidInput("mapper.ResolveConfig", e.Name(), err.Error())
		}
		candidates = append(candidates, scored{cfg: cfg, score: specificity(fileVersion, variant, version)})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	merged := map[string]MappingRule{}
	var order []string
	for _, c := range candidates {
		for _, m := range c.cfg.Mappings {
			if _, exists := merged[m.TargetDir]; !exists {
				order = append(order, m.TargetDir)
			}
			merged[m.TargetDir] = m
		}
	}

	result := &AppVariantConfig{App: app, Version: version}
	for _, dir := range order {
		result.Mappings = append(result.Mappings, merged[dir])
	}
	return result, nil
}

// defaultConfigsYAML ships a small set of known-app baseline mappings as
// YAML, the human-edited authoring format; EnsureDefaultConfigs decodes
// it and materializes any missing config as a JSON file under configDir,
// the on-disk format the rest of the mapper reads.
const defaultConfigsYAML = `
- app: lmstudio
  version: "*"
  variant: default
  mappings:
    - target_dir: models/llm
      model_types: [llm]
    - target_dir: models/embedding
      model_types: [embedding]
- app: ollama
  version: "*"
  variant: default
  mappings:
    - target_dir: blobs
      model_types: [llm]
`

// EnsureDefaultConfigs writes any built-in app config to configDir that
// doesn't already have a same-named file on disk.
func EnsureDefaultConfigs(configDir string) error {
	var defaults []AppVariantConfig
	if err := yaml.Unmarshal([]byte(defaultConfigsYAML), &defaults); err != nil {
		return perrors.InvalidInput("mapper.EnsureDefaultConfigs", "embedded defaults", err.Error())
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return perrors.Io("mapper.EnsureDefaultConfigs", configDir, err)
	}

	for _, cfg := range defaults {
		variant := cfg.Variant
		if variant == "" {
			variant = "default"
		}
		name := cfg.App + "_" + cfg.Version + "_" + variant + ".json"
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return perrors.InvalidInput("mapper.EnsureDefaultConfigs", name, err.Error())
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return perrors.Io("mapper.EnsureDefaultConfigs", path, err)
		}
	}
	return nil
}
