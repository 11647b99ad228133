// Package databasetest connects tests to a scratch PostgreSQL database.
package databasetest

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"bookledger/internal/database"
)

// Open connects to the database named by BOOKLEDGER_TEST_DATABASE_URL (or the
// PG* variables), installs the schema and empties every table. The test is
// skipped when no database is reachable.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	url := os.Getenv("BOOKLEDGER_TEST_DATABASE_URL")
	if url == "" {
		host := getenv("PGHOST", "localhost")
		port := getenv("PGPORT", "5432")
		user := getenv("PGUSER", "bookledger")
		password := getenv("PGPASSWORD", "bookledger")
		name := getenv("PGDATABASE", "bookledger_test")
		url = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
	}

	driver := getenv("BOOKLEDGER_TEST_DB_DRIVER", database.DriverPQ)
	ctx := context.Background()
	db, err := database.Open(ctx, database.Options{Driver: driver, URL: url, MaxOpenConns: 16})
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.EnsureSchema(ctx, db))
	require.NoError(t, database.Truncate(ctx, db))
	return db
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
