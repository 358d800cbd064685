// Package store implements the build cache using SQLite. Each assembly's
// last build outcome is recorded against a digest of its source documents;
// an unchanged digest with a clean outcome lets the next build skip the
// reactor entirely.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"modelforge/internal/logging"
)

// Build status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// BuildRecord is one cached build outcome.
type BuildRecord struct {
	Assembly  string
	Digest    string
	Status    string
	SessionID string
	Errors    int
	Duration  time.Duration
	UpdatedAt time.Time
}

// Cache is the on-disk build cache. Safe for concurrent use.
type Cache struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the cache database at the given path, creating the
// directory and schema as needed.
func Open(path string) (*Cache, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()
	log := logging.Get(logging.CategoryStore)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	c := &Cache{db: db, dbPath: path}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("build cache ready at %s", path)
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		assembly TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		errors INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS build_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assembly TEXT NOT NULL,
		digest TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		errors INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_assembly ON build_history(assembly, created_at);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// migration defines one additive schema change for databases created by
// older builds.
type migration struct {
	table  string
	column string
	def    string
}

var pendingMigrations = []migration{
	{"builds", "errors", "INTEGER NOT NULL DEFAULT 0"},
	{"builds", "duration_ms", "INTEGER NOT NULL DEFAULT 0"},
}

func (c *Cache) migrate() error {
	for _, m := range pendingMigrations {
		if !c.tableExists(m.table) || c.columnExists(m.table, m.column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		logging.Get(logging.CategoryStore).Info("applied migration %s.%s", m.table, m.column)
	}
	return nil
}

func (c *Cache) tableExists(table string) bool {
	var name string
	err := c.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func (c *Cache) columnExists(table, column string) bool {
	rows, err := c.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// Record stores a build outcome, replacing the assembly's current entry and
// appending to the history.
func (c *Cache) Record(rec BuildRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO builds (assembly, digest, status, session_id, errors, duration_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(assembly) DO UPDATE SET
			digest = excluded.digest,
			status = excluded.status,
			session_id = excluded.session_id,
			errors = excluded.errors,
			duration_ms = excluded.duration_ms,
			updated_at = CURRENT_TIMESTAMP`,
		rec.Assembly, rec.Digest, rec.Status, rec.SessionID, rec.Errors,
		rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO build_history (assembly, digest, status, session_id, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Assembly, rec.Digest, rec.Status, rec.SessionID, rec.Errors,
		rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record build history: %w", err)
	}
	return tx.Commit()
}

// Lookup returns the assembly's current cached outcome.
func (c *Cache) Lookup(assembly string) (BuildRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rec BuildRecord
	var durationMS int64
	var updated string
	err := c.db.QueryRow(`
		SELECT assembly, digest, status, session_id, errors, duration_ms, updated_at
		FROM builds WHERE assembly = ?`, assembly).Scan(
		&rec.Assembly, &rec.Digest, &rec.Status, &rec.SessionID, &rec.Errors,
		&durationMS, &updated)
	if err == sql.ErrNoRows {
		return BuildRecord{}, false, nil
	}
	if err != nil {
		return BuildRecord{}, false, fmt.Errorf("failed to look up build: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.UpdatedAt = parseTimestamp(updated)
	return rec, true, nil
}

// Fresh reports whether the assembly's last build succeeded against the
// given source digest, meaning a rebuild can be skipped.
func (c *Cache) Fresh(assembly, digest string) (bool, error) {
	rec, ok, err := c.Lookup(assembly)
	if err != nil || !ok {
		return false, err
	}
	return rec.Status == StatusOK && rec.Digest == digest, nil
}

// History returns the most recent build outcomes for an assembly, newest
// first.
func (c *Cache) History(assembly string, limit int) ([]BuildRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`
		SELECT assembly, digest, status, session_id, errors, duration_ms, created_at
		FROM build_history WHERE assembly = ?
		ORDER BY id DESC LIMIT ?`, assembly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query build history: %w", err)
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var rec BuildRecord
		var durationMS int64
		var created string
		if err := rows.Scan(&rec.Assembly, &rec.Digest, &rec.Status, &rec.SessionID,
			&rec.Errors, &durationMS, &created); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.UpdatedAt = parseTimestamp(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// parseTimestamp decodes SQLite's CURRENT_TIMESTAMP text form. Unparseable
// values degrade to the zero time instead of failing the lookup.
func parseTimestamp(v string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Purge drops the assembly's cached outcome, forcing the next build to run.
func (c *Cache) Purge(assembly string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("DELETE FROM builds WHERE assembly = ?", assembly)
	if err != nil {
		return fmt.Errorf("failed to purge cache entry: %w", err)
	}
	return nil
}
