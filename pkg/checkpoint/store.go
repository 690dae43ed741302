// Package checkpoint records which large objects have completed each direction of
// a migration. A row's existence is the only thing skip logic looks at.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/lomig/pkg/audit"
	lo "github.com/block/lomig/pkg/largeobject"
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Store struct {
	db          *sql.DB
	exportTable string
	importTable string
}

func NewStore(db *sql.DB, schema string) *Store {
	return &Store{
		db:          db,
		exportTable: audit.Table(schema, audit.ExportTblName),
		importTable: audit.Table(schema, audit.ImportTblName),
	}
}

// MarkExported records a completed dump file. It runs as a statement of its own,
// outside of any transaction: if it fails the object is simply exported again.
func (s *Store) MarkExported(ctx context.Context, id lo.ObjectID, pages int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (lo_id, pages) VALUES ($1, $2)", s.exportTable), id, pages)
	if err != nil {
		return lo.Wrap(lo.ErrTransientDB, fmt.Errorf("save export checkpoint for %d: %w", id, err))
	}

	return nil
}

// MarkImported records an applied dump. tx must be the transaction that replayed
// the dump so both commit or neither does.
func (s *Store) MarkImported(ctx context.Context, tx Execer, id lo.ObjectID) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (lo_id) VALUES ($1)", s.importTable), id)
	if err != nil {
		return fmt.Errorf("save import checkpoint for %d: %w", id, err)
	}

	return nil
}

// Imported loads every object id already applied on this database.
func (s *Store) Imported(ctx context.Context) (map[lo.ObjectID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT lo_id FROM "+s.importTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	imported := make(map[lo.ObjectID]struct{})
	for rows.Next() {
		var id lo.ObjectID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		imported[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return imported, nil
}

func (s *Store) CountExported(ctx context.Context) (int64, error) {
	return s.count(ctx, s.exportTable)
}

func (s *Store) CountImported(ctx context.Context) (int64, error) {
	return s.count(ctx, s.importTable)
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}

	return n, nil
}

// Exported is one row of the export tracking table.
type Exported struct {
	ID    lo.ObjectID
	Pages int
}

// EachExported streams the export tracking table in id order.
func (s *Store) EachExported(ctx context.Context, fn func(Exported) error) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT lo_id, pages FROM %s ORDER BY lo_id", s.exportTable))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Exported
		if err := rows.Scan(&e.ID, &e.Pages); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}

	return rows.Err()
}
