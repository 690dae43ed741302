// Package audit owns the tracking namespace: the names and DDL of the checkpoint
// tables, the materialised catalog of live object ids and the runs table.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const (
	DefaultSchema = "migration"

	// ExportTblName tracks objects whose dump file is complete.
	ExportTblName = "py_largeobject"
	// ImportTblName tracks objects whose dump has been applied on the destination.
	ImportTblName = "py_largeobject_restore"
	// CatalogTblName is the materialised catalog of live object ids on the source.
	CatalogTblName = "pg_largeobject"
	RunsTblName    = "runs"
)

var exportTblCreateStmt = `CREATE TABLE IF NOT EXISTS %s (
    lo_id oid PRIMARY KEY,
    pages int NOT NULL
    )`

var importTblCreateStmt = `CREATE TABLE IF NOT EXISTS %s (
    lo_id oid PRIMARY KEY
    )`

var catalogTblCreateStmt = `CREATE TABLE IF NOT EXISTS %s (
    lo_id oid PRIMARY KEY
    )`

var runsTblCreateStmt = `CREATE TABLE IF NOT EXISTS %s (
    id bigserial PRIMARY KEY,
    run_id varchar(255) NOT NULL,
    mode varchar(16) NOT NULL,
    shard_count int NOT NULL DEFAULT 1,
    shard_index int NOT NULL DEFAULT 0,
    status varchar(16) NOT NULL,
    started_by varchar(255),
    dump_path text,
    rounds int NOT NULL DEFAULT 0,
    succeeded bigint NOT NULL DEFAULT 0,
    skipped bigint NOT NULL DEFAULT 0,
    corrupt bigint NOT NULL DEFAULT 0,
    failed bigint NOT NULL DEFAULT 0,
    created_at timestamptz NOT NULL DEFAULT now(),
    updated_at timestamptz NOT NULL DEFAULT now(),
    UNIQUE (run_id, mode, shard_index)
    )`

// Table returns the quoted, schema qualified name of a tracking table.
func Table(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

func SchemaExists(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

func TableExists(ctx context.Context, db *sql.DB, schema, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)", schema, name).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// CreateSchema creates the tracking namespace unless it already exists.
func CreateSchema(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	exists, err := SchemaExists(ctx, db, schema)
	if err != nil || exists {
		return false, err
	}
	if _, err = db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return false, err
	}

	return true, nil
}

func CreateExportTbl(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	return createTbl(ctx, db, schema, ExportTblName, exportTblCreateStmt)
}

func CreateImportTbl(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	return createTbl(ctx, db, schema, ImportTblName, importTblCreateStmt)
}

func CreateCatalogTbl(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	return createTbl(ctx, db, schema, CatalogTblName, catalogTblCreateStmt)
}

func CreateRunsTbl(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	return createTbl(ctx, db, schema, RunsTblName, runsTblCreateStmt)
}

func createTbl(ctx context.Context, db *sql.DB, schema, name, stmt string) (bool, error) {
	exists, err := TableExists(ctx, db, schema, name)
	if err != nil || exists {
		return false, err
	}
	if _, err = db.ExecContext(ctx, fmt.Sprintf(stmt, Table(schema, name))); err != nil {
		return false, fmt.Errorf("create table %s.%s: %w", schema, name, err)
	}

	return true, nil
}

// RefreshCatalog adds every live large object on the server to the materialised
// catalog. It returns the number of ids added.
func RefreshCatalog(ctx context.Context, db *sql.DB, schema string) (int64, error) {
	res, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (lo_id) SELECT oid FROM pg_catalog.pg_largeobject_metadata ON CONFLICT DO NOTHING",
		Table(schema, CatalogTblName)))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
