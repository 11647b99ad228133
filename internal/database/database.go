// Package database opens the PostgreSQL pool shared by the catalog,
// membership and circulation stores, and installs their schema.
package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // registers the "postgres" driver
)

//go:embed schema.sql
var schema string

const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// SQLSTATE codes checked across the stores.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
)

// Options configure the connection pool.
type Options struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects and pings the database.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverPQ
	}
	if driver != DriverPQ && driver != DriverPGX {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates missing tables and indexes. It is idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Truncate empties every table. Tests use it between cases.
func Truncate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `TRUNCATE TABLE circulation_events, returned_checkouts, active_checkouts, credentials, members, books`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

// SQLState returns the SQLSTATE carried by err from either registered
// driver, or "" when err did not come from the server.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
