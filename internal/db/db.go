// Package db provides SQLite persistence for herd.
//
// A single project database (.herd/results.db) holds worker results and
// allocation history. The driver is modernc.org/sqlite, so no cgo is needed.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DB wraps a SQLite connection with single-writer serialization.
// Readers may run concurrently; every write goes through the write mutex.
type DB struct {
	sqlDB *sql.DB
	path  string

	writeMu sync.Mutex
}

// Open opens a SQLite database at the given path.
// Creates the parent directory if it doesn't exist.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(path)
}

// OpenInMemory opens an isolated in-memory database, ideal for testing.
func OpenInMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes internally but busy timeouts still help
	// when the same file is opened twice.
	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	return &DB{sqlDB: sqlDB, path: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sqlDB.Close()
}

// Path returns the database path.
func (d *DB) Path() string {
	return d.path
}

// Migrate applies all embedded schema files in lexical order.
// Each file is idempotent (CREATE TABLE IF NOT EXISTS ...).
func (d *DB) Migrate() error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", name, err)
		}
		if _, err := d.sqlDB.Exec(string(data)); err != nil {
			return fmt.Errorf("apply schema %s: %w", name, err)
		}
	}
	return nil
}

// Exec runs a write statement under the write mutex.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.sqlDB.Exec(query, args...)
}

// ExecContext runs a write statement under the write mutex.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.sqlDB.ExecContext(ctx, query, args...)
}

// Query runs a read query; readers do not take the write mutex.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sqlDB.Query(query, args...)
}

// QueryRow runs a single-row read query.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.sqlDB.QueryRow(query, args...)
}
