package cachestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on fetches.cache_key
const currentSchemaVersion = 1

// Entry is one indexed artifact file.
type Entry struct {
	Filename string `json:"filename"`
	CacheKey string `json:"cache_key"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Origin   string `json:"origin"`
	StoredAt int64  `json:"stored_at"`
}

// Fetch is one recorded pull-from-worker request.
type Fetch struct {
	Host      string
	CacheKey  string
	Artifacts []string
	OK        bool
	Error     string
	FetchedAt int64
}

// Index records what the shared cache holds and where it came from.
// Uses SQLite with WAL mode for concurrent reads.
type Index struct {
	db *sql.DB
}

// OpenIndex creates or opens the index database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Safe to call on an existing database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_fetches_cache_key
		ON fetches(cache_key)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Record inserts or replaces the entry for e.Filename.
func (ix *Index) Record(ctx context.Context, e Entry) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO artifacts (filename, cache_key, size, sha256, origin, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			cache_key = excluded.cache_key,
			size = excluded.size,
			sha256 = excluded.sha256,
			origin = excluded.origin,
			stored_at = excluded.stored_at
	`, e.Filename, e.CacheKey, e.Size, e.SHA256, e.Origin, e.StoredAt)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Filename, err)
	}
	return nil
}

// Lookup returns the entry for filename.
func (ix *Index) Lookup(ctx context.Context, filename string) (Entry, bool, error) {
	var e Entry
	err := ix.db.QueryRowContext(ctx, `
		SELECT filename, cache_key, size, sha256, origin, stored_at
		FROM artifacts WHERE filename = ?
	`, filename).Scan(&e.Filename, &e.CacheKey, &e.Size, &e.SHA256, &e.Origin, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", filename, err)
	}
	return e, true, nil
}

// List returns entries ordered by filename. An empty cacheKey lists all.
func (ix *Index) List(ctx context.Context, cacheKey string) ([]Entry, error) {
	query := `SELECT filename, cache_key, size, sha256, origin, stored_at FROM artifacts`
	var args []any
	if cacheKey != "" {
		query += ` WHERE cache_key = ?`
		args = append(args, cacheKey)
	}
	query += ` ORDER BY filename`

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Filename, &e.CacheKey, &e.Size, &e.SHA256, &e.Origin, &e.StoredAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return entries, nil
}

// RecordFetch logs a pull-from-worker request.
func (ix *Index) RecordFetch(ctx context.Context, f Fetch) error {
	ok := 0
	if f.OK {
		ok = 1
	}
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO fetches (host, cache_key, artifacts, ok, error, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.Host, f.CacheKey, strings.Join(f.Artifacts, ","), ok, f.Error, f.FetchedAt)
	if err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

// Fetches returns recorded fetches for cacheKey, oldest first.
func (ix *Index) Fetches(ctx context.Context, cacheKey string) ([]Fetch, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT host, cache_key, artifacts, ok, error, fetched_at
		FROM fetches WHERE cache_key = ? ORDER BY id
	`, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("list fetches: %w", err)
	}
	defer rows.Close()

	var out []Fetch
	for rows.Next() {
		var f Fetch
		var artifacts string
		var ok int
		if err := rows.Scan(&f.Host, &f.CacheKey, &artifacts, &ok, &f.Error, &f.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch: %w", err)
		}
		if artifacts != "" {
			f.Artifacts = strings.Split(artifacts, ",")
		}
		f.OK = ok == 1
		out = append(out, f)
	}
	return out, rows.Err()
}
