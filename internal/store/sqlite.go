package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema migrations and returns a ready-to-use store.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// One writer at a time; BEGIN IMMEDIATE then serializes every Update.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", dbPath, err)
	}

	d := dialect{name: "sqlite"}
	if err := applyMigrations(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, d: d}, nil
}
