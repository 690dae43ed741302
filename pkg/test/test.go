// Package test holds helpers for tests that need a real PostgreSQL server.
package test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// DSN is the server integration tests run against. Tests calling it are
// skipped when PG_DSN is unset.
func DSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	return dsn
}

func Open(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", DSN(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("error closing db: %v", closeErr)
		}
	})
	require.NoError(t, db.PingContext(context.Background()))

	return db
}

func RunSQL(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), stmt, args...)
	require.NoError(t, err)
}

// DropSchema removes a tracking namespace and everything in it.
func DropSchema(t *testing.T, db *sql.DB, schema string) {
	t.Helper()
	RunSQL(t, db, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE")
}

// CreateObject creates a large object holding data and returns its id.
func CreateObject(t *testing.T, db *sql.DB, data []byte) uint32 {
	t.Helper()
	var id uint32
	err := db.QueryRowContext(context.Background(), "SELECT lo_from_bytea(0, $1)", data).Scan(&id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "SELECT lo_unlink($1) FROM pg_catalog.pg_largeobject_metadata WHERE oid = $1", id)
	})

	return id
}

// ObjectData reads a large object back whole.
func ObjectData(t *testing.T, db *sql.DB, id uint32) []byte {
	t.Helper()
	var data []byte
	err := db.QueryRowContext(context.Background(), "SELECT lo_get($1)", id).Scan(&data)
	require.NoError(t, err)

	return data
}

func Unlink(t *testing.T, db *sql.DB, id uint32) {
	t.Helper()
	RunSQL(t, db, "SELECT lo_unlink($1)", id)
}

func GetCount(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(), fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	require.NoError(t, err)

	return count
}
