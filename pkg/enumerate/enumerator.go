// Package enumerate finds the large objects that still have to be exported.
package enumerate

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/block/lomig/pkg/audit"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/siddontang/loggers"
)

// IDSet is a deduplicated batch of object ids.
type IDSet map[lo.ObjectID]struct{}

// Sorted returns the ids in ascending order so a batch is processed deterministically.
func (s IDSet) Sorted() []lo.ObjectID {
	ids := make([]lo.ObjectID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

type Enumerator struct {
	db           *sql.DB
	logger       loggers.Advanced
	primaryQuery string
	fallbackQry  string
}

func NewEnumerator(db *sql.DB, schema string, logger loggers.Advanced) *Enumerator {
	exportTbl := audit.Table(schema, audit.ExportTblName)

	return &Enumerator{
		db:     db,
		logger: logger,
		primaryQuery: fmt.Sprintf(`SELECT lo.lo_id FROM %s AS lo
LEFT JOIN %s AS m ON lo.lo_id = m.lo_id
WHERE m.lo_id IS NULL
LIMIT $1`, audit.Table(schema, audit.CatalogTblName), exportTbl),
		fallbackQry: fmt.Sprintf(`SELECT lo.loid FROM pg_catalog.pg_largeobject AS lo
LEFT JOIN %s AS m ON lo.pageno = 0 AND lo.loid = m.lo_id
WHERE lo.pageno = 0 AND m.lo_id IS NULL
LIMIT $1`, exportTbl),
	}
}

// NextBatch returns up to limit ids that have no export checkpoint. The
// materialised catalog is asked first; the page catalog is scanned only when the
// catalog has nothing left. An empty set means no work remains.
func (e *Enumerator) NextBatch(ctx context.Context, limit int) (IDSet, error) {
	ids, err := e.query(ctx, e.primaryQuery, limit)
	if err != nil {
		return nil, lo.Wrap(lo.ErrTransientDB, fmt.Errorf("enumerate catalog: %w", err))
	}
	if len(ids) == 0 {
		ids, err = e.query(ctx, e.fallbackQry, limit)
		if err != nil {
			return nil, lo.Wrap(lo.ErrTransientDB, fmt.Errorf("enumerate pages: %w", err))
		}
	}
	e.logger.Infof("Blob list - %d", len(ids))

	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	e.logger.Infof("Blob set - %d", len(set))

	return set, nil
}

func (e *Enumerator) query(ctx context.Context, query string, limit int) ([]lo.ObjectID, error) {
	rows, err := e.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []lo.ObjectID
	for rows.Next() {
		var id lo.ObjectID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
