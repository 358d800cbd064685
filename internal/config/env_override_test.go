package config

import (
	"path/filepath"
	"testing"
)

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODELFORGE_CACHE_PATH", "/tmp/override.db")
	t.Setenv("MODELFORGE_CACHE_ENABLED", "false")
	t.Setenv("MODELFORGE_DEBUG", "true")
	t.Setenv("MODELFORGE_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.Path != "/tmp/override.db" {
		t.Errorf("cache path = %q", cfg.Cache.Path)
	}
	if cfg.Cache.Enabled {
		t.Error("cache still enabled after override")
	}
	if !cfg.Logging.DebugMode {
		t.Error("debug mode not enabled by override")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestEnvFeatureOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assemblies = []AssemblyConfig{
		{Name: "a", Dir: "x"},
		{Name: "b", Dir: "y", Features: []string{"old"}},
	}

	t.Setenv("MODELFORGE_FEATURES", "net:ipv6, tls")
	cfg.applyEnvOverrides()

	want := []string{"net:ipv6", "tls"}
	for _, a := range cfg.Assemblies {
		if len(a.Features) != len(want) {
			t.Fatalf("assembly %s features = %v, want %v", a.Name, a.Features, want)
		}
		for i := range want {
			if a.Features[i] != want[i] {
				t.Errorf("assembly %s features = %v, want %v", a.Name, a.Features, want)
			}
		}
	}
}

func TestEnvFeatureOverrideEmptyMeansNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assemblies = []AssemblyConfig{{Name: "a", Dir: "x"}}

	t.Setenv("MODELFORGE_FEATURES", "")
	cfg.applyEnvOverrides()

	got := cfg.Assemblies[0].Features
	if got == nil || len(got) != 0 {
		t.Errorf("features = %#v, want explicit empty set", got)
	}
}

func TestInvalidEnvBoolIgnored(t *testing.T) {
	t.Setenv("MODELFORGE_DEBUG", "sometimes")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.DebugMode {
		t.Error("unparseable bool changed debug mode")
	}
}
