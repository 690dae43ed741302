// Package boot contains the checks and setup that run before any object is
// touched.
// export mode: needs the export tracking table and the live-id catalog on the source.
// restore mode: needs the import tracking table on the destination.
package boot

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/block/lomig/pkg/audit"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/siddontang/loggers"
)

// pg_largeobject_metadata appeared in 9.0.
const minServerVersionNum = 90000

type Booter interface {
	PreflightChecks(ctx context.Context) error
	Setup(ctx context.Context) error
}

// isPostgresVersionCompatible returns true if we can positively identify the
// server as PostgreSQL 9.0 or later.
func isPostgresVersionCompatible(ctx context.Context, db *sql.DB) bool {
	var version string
	if err := db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&version); err != nil {
		return false // can't tell
	}

	num, err := strconv.Atoi(version)
	if err != nil {
		return false // can't tell
	}

	return num >= minServerVersionNum
}

type tableCreator func(ctx context.Context, db *sql.DB, schema string) (bool, error)

// setupTables creates the namespace and then each table, logging what had to be
// created. Any failure is a bootstrap failure.
func setupTables(ctx context.Context, db *sql.DB, schema string, logger loggers.Advanced, tables map[string]tableCreator, order []string) error {
	created, err := audit.CreateSchema(ctx, db, schema)
	if err != nil {
		return lo.Wrap(lo.ErrSchemaBootstrap, err)
	}
	if created {
		logger.Infof("CREATE SCHEMA %s", schema)
	}
	for _, name := range order {
		created, err = tables[name](ctx, db, schema)
		if err != nil {
			return lo.Wrap(lo.ErrSchemaBootstrap, err)
		}
		if created {
			logger.Infof("CREATE TABLE %s.%s", schema, name)
		}
	}

	return nil
}
