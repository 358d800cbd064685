package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRecordAndLookup(t *testing.T) {
	c := openTestCache(t)

	rec := BuildRecord{
		Assembly:  "core",
		Digest:    "abc123",
		Status:    StatusOK,
		SessionID: "session-1",
		Duration:  42 * time.Millisecond,
	}
	if err := c.Record(rec); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, ok, err := c.Lookup("core")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !ok {
		t.Fatal("Lookup() found nothing after Record()")
	}
	if got.Digest != "abc123" || got.Status != StatusOK || got.SessionID != "session-1" {
		t.Errorf("Lookup() = %+v", got)
	}
	if got.Duration != 42*time.Millisecond {
		t.Errorf("Duration = %v, want 42ms", got.Duration)
	}
}

func TestCacheLookupMissing(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.Lookup("nope")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if ok {
		t.Error("Lookup() found a record in an empty cache")
	}
}

func TestCacheFresh(t *testing.T) {
	c := openTestCache(t)

	if fresh, err := c.Fresh("core", "d1"); err != nil || fresh {
		t.Fatalf("Fresh() on empty cache = %v, %v", fresh, err)
	}

	c.Record(BuildRecord{Assembly: "core", Digest: "d1", Status: StatusOK})
	if fresh, _ := c.Fresh("core", "d1"); !fresh {
		t.Error("Fresh() = false for matching digest with clean status")
	}
	if fresh, _ := c.Fresh("core", "d2"); fresh {
		t.Error("Fresh() = true for a changed digest")
	}

	// A failed build is never fresh, even with the same digest.
	c.Record(BuildRecord{Assembly: "core", Digest: "d1", Status: StatusFailed, Errors: 3})
	if fresh, _ := c.Fresh("core", "d1"); fresh {
		t.Error("Fresh() = true for a failed build")
	}
}

func TestCacheRecordReplacesCurrent(t *testing.T) {
	c := openTestCache(t)
	c.Record(BuildRecord{Assembly: "core", Digest: "d1", Status: StatusOK})
	c.Record(BuildRecord{Assembly: "core", Digest: "d2", Status: StatusFailed, Errors: 1})

	got, ok, err := c.Lookup("core")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if got.Digest != "d2" || got.Status != StatusFailed || got.Errors != 1 {
		t.Errorf("current record = %+v, want the replacement", got)
	}
}

func TestCacheHistory(t *testing.T) {
	c := openTestCache(t)
	for _, d := range []string{"d1", "d2", "d3"} {
		if err := c.Record(BuildRecord{Assembly: "core", Digest: d, Status: StatusOK}); err != nil {
			t.Fatalf("Record(%s) error = %v", d, err)
		}
	}
	c.Record(BuildRecord{Assembly: "other", Digest: "x", Status: StatusOK})

	hist, err := c.History("core", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History() returned %d record(s), want 2", len(hist))
	}
	// Newest first.
	if hist[0].Digest != "d3" || hist[1].Digest != "d2" {
		t.Errorf("History() order = %s, %s", hist[0].Digest, hist[1].Digest)
	}
}

func TestCachePurge(t *testing.T) {
	c := openTestCache(t)
	c.Record(BuildRecord{Assembly: "core", Digest: "d1", Status: StatusOK})
	if err := c.Purge("core"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, ok, _ := c.Lookup("core"); ok {
		t.Error("record survived Purge()")
	}
	// History is retained for inspection.
	hist, err := c.History("core", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("history has %d record(s) after purge, want 1", len(hist))
	}
}

func TestCacheReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	c.Record(BuildRecord{Assembly: "core", Digest: "d1", Status: StatusOK})
	c.Close()

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c2.Close()
	if fresh, _ := c2.Fresh("core", "d1"); !fresh {
		t.Error("cache entry lost across reopen")
	}
}
