package store

import (
	"database/sql"
	"testing"
)

// OpenTest creates a DB backed by an in-memory database.
// This is only intended for use in tests.
func OpenTest(t *testing.T) *DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	// Every connection to :memory: is its own database, so keep the pool at
	// a single connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enabling foreign keys: %v", err)
	}
	if err := migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	return &DB{DB: db}
}
