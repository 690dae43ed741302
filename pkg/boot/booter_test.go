package boot

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/block/lomig/pkg/audit"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	schemaExistsRe = "FROM information_schema.schemata"
	tableExistsRe  = "FROM information_schema.tables"
)

func TestIsPostgresVersionCompatible(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW server_version_num").WillReturnRows(sqlmock.NewRows([]string{"server_version_num"}).AddRow("160002"))
	require.True(t, isPostgresVersionCompatible(context.Background(), db))

	mock.ExpectQuery("SHOW server_version_num").WillReturnRows(sqlmock.NewRows([]string{"server_version_num"}).AddRow("80422"))
	require.False(t, isPostgresVersionCompatible(context.Background(), db))

	mock.ExpectQuery("SHOW server_version_num").WillReturnError(errors.New("unrecognized configuration parameter"))
	require.False(t, isPostgresVersionCompatible(context.Background(), db))
}

func TestExportBooterSetup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(schemaExistsRe).WithArgs("migration").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "migration"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, tbl := range []string{audit.ExportTblName, audit.CatalogTblName} {
		mock.ExpectQuery(tableExistsRe).WithArgs("migration", tbl).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "migration"."` + tbl + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	// runs table already there
	mock.ExpectQuery(tableExistsRe).WithArgs("migration", audit.RunsTblName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("pg_largeobject_metadata ON CONFLICT DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 3))

	eb := NewExportBooter(&ExportBooterConfig{DB: db, Schema: "migration", RefreshCatalog: true, Logger: logrus.New()})
	require.NoError(t, eb.Setup(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreBooterSetupFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(schemaExistsRe).WithArgs("migration").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(tableExistsRe).WithArgs("migration", audit.ImportTblName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied for schema migration"))

	rb := NewRestoreBooter(&RestoreBooterConfig{DB: db, Schema: "migration", Logger: logrus.New()})
	err = rb.Setup(context.Background())
	require.ErrorIs(t, err, lo.ErrSchemaBootstrap)
	require.True(t, lo.Fatal(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreBooterSetupSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(schemaExistsRe).WillReturnError(errors.New("connection refused"))

	rb := NewRestoreBooter(&RestoreBooterConfig{DB: db, Schema: "migration", Logger: logrus.New()})
	require.ErrorIs(t, rb.Setup(context.Background()), lo.ErrSchemaBootstrap)
}
