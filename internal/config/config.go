// Package config holds all modelforge configuration: which source
// assemblies to build, the supported-feature sets, lint rules, the build
// cache and logging. Configuration is YAML on disk with a small set of
// environment overrides for scripting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all modelforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Assemblies are the independent source sets to build.
	Assemblies []AssemblyConfig `yaml:"assemblies"`

	// Lint configuration
	Lint LintConfig `yaml:"lint"`

	// Build cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Watch mode configuration
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AssemblyConfig names one buildable set of source documents.
type AssemblyConfig struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`

	// Features is the supported-feature set for this assembly, entries
	// either "name" or "schema:name". Omitting the key supports every
	// declared feature; an explicit empty list supports none.
	Features []string `yaml:"features"`
}

// LintConfig configures the datalog consistency checks run over the
// effective model.
type LintConfig struct {
	Enabled bool `yaml:"enabled"`

	// RuleFiles are additional .mg rule files loaded next to the built-in
	// rules.
	RuleFiles []string `yaml:"rule_files"`
}

// CacheConfig configures the build cache database.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Debounce string `yaml:"debounce"`
}

// LoggingConfig configures the category file loggers.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "modelforge",
		Version: "0.1.0",
		Lint: LintConfig{
			Enabled: true,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(".modelforge", "cache.db"),
		},
		Watch: WatchConfig{
			Debounce: "300ms",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from a YAML file, layering it over the defaults
// and applying environment overrides last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing config is not an error; defaults plus env apply.
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies MODELFORGE_* environment variables over the
// loaded values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MODELFORGE_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("MODELFORGE_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cache.Enabled = b
		}
	}
	if v := os.Getenv("MODELFORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("MODELFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv("MODELFORGE_FEATURES"); ok {
		// A global feature set override applies to every assembly. An empty
		// value means "support none", distinct from an absent override.
		features := splitList(v)
		for i := range c.Assemblies {
			c.Assemblies[i].Features = features
		}
	}
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Assemblies))
	for _, a := range c.Assemblies {
		if a.Name == "" {
			return fmt.Errorf("assembly with empty name (dir %q)", a.Dir)
		}
		if a.Dir == "" {
			return fmt.Errorf("assembly %q has no source directory", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate assembly name %q", a.Name)
		}
		seen[a.Name] = true
	}
	if _, err := c.GetDebounce(); err != nil {
		return fmt.Errorf("invalid watch debounce: %w", err)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// GetDebounce parses the watch debounce duration.
func (c *Config) GetDebounce() (time.Duration, error) {
	if c.Watch.Debounce == "" {
		return 300 * time.Millisecond, nil
	}
	return time.ParseDuration(c.Watch.Debounce)
}

// Assembly returns the named assembly config.
func (c *Config) Assembly(name string) (AssemblyConfig, bool) {
	for _, a := range c.Assemblies {
		if a.Name == name {
			return a, true
		}
	}
	return AssemblyConfig{}, false
}
