package database_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookledger/internal/database"
	"bookledger/internal/database/databasetest"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := database.Open(context.Background(), database.Options{Driver: "sqlite3", URL: "file::memory:"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSQLState(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"pq", &pq.Error{Code: database.CodeSerializationFailure}, "40001"},
		{"pgx", &pgconn.PgError{Code: database.CodeDeadlockDetected}, "40P01"},
		{"wrapped", fmt.Errorf("commit: %w", &pq.Error{Code: database.CodeQueryCanceled}), "57014"},
		{"plain", errors.New("connection reset"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, database.SQLState(tt.err))
		})
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := databasetest.Open(t)
	ctx := context.Background()

	require.NoError(t, database.EnsureSchema(ctx, db))
	require.NoError(t, database.EnsureSchema(ctx, db))

	var tables int
	require.NoError(t, db.GetContext(ctx, &tables, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name IN ('books', 'active_checkouts', 'returned_checkouts', 'circulation_events', 'members', 'credentials')
	`))
	assert.Equal(t, 6, tables)
}
