package boot

import (
	"context"
	"database/sql"
	"errors"

	"github.com/block/lomig/pkg/audit"
	"github.com/siddontang/loggers"
)

type RestoreBooter struct {
	db     *sql.DB
	schema string
	logger loggers.Advanced
}

type RestoreBooterConfig struct {
	DB     *sql.DB
	Schema string
	Logger loggers.Advanced
}

func NewRestoreBooter(rbc *RestoreBooterConfig) *RestoreBooter {
	return &RestoreBooter{
		db:     rbc.DB,
		schema: rbc.Schema,
		logger: rbc.Logger,
	}
}

func (rb *RestoreBooter) PreflightChecks(ctx context.Context) error {
	if !isPostgresVersionCompatible(ctx, rb.db) {
		return errors.New("PostgreSQL 9.0 or later is required")
	}

	return nil
}

// Setup creates the tracking tables the restore side needs.
func (rb *RestoreBooter) Setup(ctx context.Context) error {
	return setupTables(ctx, rb.db, rb.schema, rb.logger, map[string]tableCreator{
		audit.ImportTblName: audit.CreateImportTbl,
		audit.RunsTblName:   audit.CreateRunsTbl,
	}, []string{audit.ImportTblName, audit.RunsTblName})
}
