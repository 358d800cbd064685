package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		CloseAll()
		mu.Lock()
		logsDir = ""
		opts = Options{}
		logLevel = LevelInfo
		mu.Unlock()
	})
}

func readLogs(t *testing.T, workspace string) string {
	t.Helper()
	dir := filepath.Join(workspace, ".modelforge", "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		b.Write(data)
	}
	return b.String()
}

func TestDisabledByDefault(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()
	if err := Initialize(ws, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	Get(CategoryReactor).Info("should go nowhere")

	if _, err := os.Stat(filepath.Join(ws, ".modelforge", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created with debug mode off")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()
	if err := Initialize(ws, Options{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	Get(CategoryReactor).Info("context %d completed", 7)
	Get(CategoryStore).Debug("cache probe")
	CloseAll()

	logs := readLogs(t, ws)
	if !strings.Contains(logs, "context 7 completed") {
		t.Errorf("reactor message missing from logs:\n%s", logs)
	}
	if !strings.Contains(logs, "cache probe") {
		t.Errorf("store debug message missing from logs:\n%s", logs)
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()
	if err := Initialize(ws, Options{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	l := Get(CategoryScheduler)
	l.Debug("hidden debug")
	l.Info("hidden info")
	l.Warn("visible warning")
	CloseAll()

	logs := readLogs(t, ws)
	if strings.Contains(logs, "hidden") {
		t.Errorf("messages below the level leaked:\n%s", logs)
	}
	if !strings.Contains(logs, "visible warning") {
		t.Errorf("warning missing from logs:\n%s", logs)
	}
}

func TestCategoryToggle(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()
	err := Initialize(ws, Options{
		DebugMode:  true,
		Categories: map[string]bool{string(CategoryWatch): false},
	})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if IsCategoryEnabled(CategoryWatch) {
		t.Error("explicitly disabled category reports enabled")
	}
	if !IsCategoryEnabled(CategoryReactor) {
		t.Error("unlisted category should default to enabled")
	}

	Get(CategoryWatch).Error("should go nowhere")
	CloseAll()
	if logs := readLogs(t, ws); strings.Contains(logs, "should go nowhere") {
		t.Errorf("disabled category wrote a log:\n%s", logs)
	}
}
