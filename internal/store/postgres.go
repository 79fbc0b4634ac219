package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" database/sql driver.
)

// Postgres SQLSTATE codes for transactions aborted by a concurrent writer.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// NewPostgresStore connects to Postgres at dsn and applies the schema
// migrations. Updates run at serializable isolation; an aborted transaction
// surfaces as ErrConflict.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	d := dialect{
		name:      "postgres",
		numbered:  true,
		txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
		conflict:  isPgConflict,
	}
	if err := applyMigrations(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, d: d}, nil
}

func isPgConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
