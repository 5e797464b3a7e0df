package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrTenantNotFound is returned when no tenant exists for an athlete id.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrNoSession is returned when a tenant has no stored OAuth session.
var ErrNoSession = errors.New("no session stored")

// ErrActivityNotFound is returned when an activity snapshot doesn't exist.
var ErrActivityNotFound = errors.New("activity not found")

// ErrTenantExists is returned when creating a tenant whose athlete id or
// client id collides with an existing one.
var ErrTenantExists = errors.New("tenant already exists")

// DB is the application's data access layer over SQLite.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database at path, creating it and applying
// migrations if necessary.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &DB{DB: db}, nil
}
