package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatcherTriggersOnSourceChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	changed := make(chan []string, 4)
	w, err := New([]string{dir}, 50*time.Millisecond, func(paths []string) {
		changed <- paths
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "s.yaml")
	if err := os.WriteFile(path, []byte("kw: schema\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case paths := <-changed:
		if len(paths) != 1 || paths[0] != path {
			t.Errorf("callback paths = %v, want [%s]", paths, path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no rebuild triggered within 3s")
	}

	stats := w.Stats()
	if stats.RebuildsTriggered != 1 {
		t.Errorf("RebuildsTriggered = %d, want 1", stats.RebuildsTriggered)
	}
	if stats.LastEventPath != path {
		t.Errorf("LastEventPath = %q", stats.LastEventPath)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	changed := make(chan []string, 16)
	w, err := New([]string{dir}, 150*time.Millisecond, func(paths []string) {
		changed <- paths
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// A rapid save burst against the same file.
	path := filepath.Join(dir, "s.yaml")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("kw: schema\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no rebuild triggered within 3s")
	}
	// The burst settles into a single rebuild; allow the window to drain
	// before checking nothing else fires.
	select {
	case paths := <-changed:
		t.Errorf("second rebuild fired for %v, want burst coalesced", paths)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	changed := make(chan []string, 4)
	w, err := New([]string{dir}, 50*time.Millisecond, func(paths []string) {
		changed <- paths
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case paths := <-changed:
		t.Errorf("rebuild fired for unrelated file: %v", paths)
	case <-time.After(300 * time.Millisecond):
	}
	if got := w.Stats().FilesCreated; got != 0 {
		t.Errorf("FilesCreated = %d, want 0", got)
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := New([]string{t.TempDir()}, 50*time.Millisecond, func([]string) {})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Stop()
	w.Stop() // second stop is a no-op
}
