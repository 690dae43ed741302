package boot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/block/lomig/pkg/audit"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/siddontang/loggers"
)

type ExportBooter struct {
	db             *sql.DB
	schema         string
	refreshCatalog bool
	logger         loggers.Advanced
}

type ExportBooterConfig struct {
	DB     *sql.DB
	Schema string
	// RefreshCatalog fills the live-id catalog from pg_largeobject_metadata
	// after the tables exist.
	RefreshCatalog bool
	Logger         loggers.Advanced
}

func NewExportBooter(ebc *ExportBooterConfig) *ExportBooter {
	return &ExportBooter{
		db:             ebc.DB,
		schema:         ebc.Schema,
		refreshCatalog: ebc.RefreshCatalog,
		logger:         ebc.Logger,
	}
}

func (eb *ExportBooter) PreflightChecks(ctx context.Context) error {
	if !isPostgresVersionCompatible(ctx, eb.db) {
		return errors.New("PostgreSQL 9.0 or later is required")
	}

	return nil
}

// Setup creates the tracking tables the export side needs.
func (eb *ExportBooter) Setup(ctx context.Context) error {
	err := setupTables(ctx, eb.db, eb.schema, eb.logger, map[string]tableCreator{
		audit.ExportTblName:  audit.CreateExportTbl,
		audit.CatalogTblName: audit.CreateCatalogTbl,
		audit.RunsTblName:    audit.CreateRunsTbl,
	}, []string{audit.ExportTblName, audit.CatalogTblName, audit.RunsTblName})
	if err != nil {
		return err
	}
	if !eb.refreshCatalog {
		return nil
	}

	added, err := audit.RefreshCatalog(ctx, eb.db, eb.schema)
	if err != nil {
		return lo.Wrap(lo.ErrSchemaBootstrap, fmt.Errorf("refresh catalog: %w", err))
	}
	eb.logger.Infof("Catalog refreshed - %d new objects", added)

	return nil
}
