// Package storage holds the pipeline's local state: the pending-event queue
// (durable file or in-memory fallback) and a small SQLite settings database.
//
// The settings database uses modernc.org/sqlite (pure Go, no CGO) so the
// package cross-compiles for mobile targets. It runs in WAL mode and applies
// schema migrations on open.
package storage

import (
	"database/sql"
	"fmt"

	// Register the pure-Go SQLite driver. This does NOT require CGO.
	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB connection to the settings database.
type DB struct {
	inner *sql.DB
	path  string
}

// NewDB opens (or creates) a SQLite database at dbPath with WAL mode and busy timeout.
// Migrations are applied automatically on open.
func NewDB(dbPath string) (*DB, error) {
	if dbPath == "" {
		return nil, ErrEmptyPath
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{
		inner: sqlDB,
		path:  dbPath,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Exec executes a query without returning rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	return db.inner.Exec(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	return db.inner.QueryRow(query, args...)
}
