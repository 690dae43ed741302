package dump

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"

	"github.com/block/lomig/pkg/checkpoint"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/block/lomig/pkg/upload"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

const pagesQuery = `SELECT loid, pageno, data FROM pg_catalog.pg_largeobject WHERE loid = $1 ORDER BY pageno ASC`

type Writer struct {
	db     *sql.DB
	fs     afero.Fs
	layout Layout
	store  *checkpoint.Store
	logger loggers.Advanced
	mirror upload.Uploader
}

type WriterConfig struct {
	DB     *sql.DB
	Fs     afero.Fs
	Layout Layout
	Store  *checkpoint.Store
	Logger loggers.Advanced
	// Mirror, if set, receives a copy of every published dump before it is
	// checkpointed.
	Mirror upload.Uploader
}

func NewWriter(cfg *WriterConfig) *Writer {
	return &Writer{
		db:     cfg.DB,
		fs:     cfg.Fs,
		layout: cfg.Layout,
		store:  cfg.Store,
		logger: cfg.Logger,
		mirror: cfg.Mirror,
	}
}

// pageAccumulator collects the pages of one object as rows arrive.
type pageAccumulator struct {
	lastID  lo.ObjectID
	lastSeq int32
	count   int
	ordered bool
	pages   []lo.Page
}

func newPageAccumulator() *pageAccumulator {
	return &pageAccumulator{ordered: true}
}

func (a *pageAccumulator) add(id lo.ObjectID, page lo.Page) {
	if a.count > 0 && page.Seq < a.lastSeq {
		a.ordered = false
	}
	a.lastID = id
	a.lastSeq = page.Seq
	a.count++
	a.pages = append(a.pages, page)
}

// sorted returns the pages in ascending sequence order.
func (a *pageAccumulator) sorted() []lo.Page {
	if !a.ordered {
		slices.SortStableFunc(a.pages, func(x, y lo.Page) int {
			return int(x.Seq) - int(y.Seq)
		})
		a.ordered = true
	}

	return a.pages
}

// Export writes id's dump file and then records the export checkpoint. A failed
// object is left without a checkpoint so it is picked up again by the next
// enumeration.
func (w *Writer) Export(ctx context.Context, id lo.ObjectID) lo.Result {
	res := lo.Result{ID: id, Outcome: lo.Failed}

	acc, err := w.readPages(ctx, id)
	if err != nil {
		res.Err = lo.Wrap(lo.ErrTransientDB, err)
		w.logger.Errorf("Got exception reading pages of %d - %v", id, err)

		return res
	}
	res.Pages = acc.count
	if acc.count > 0 && acc.lastID != id {
		res.Err = fmt.Errorf("%w: page query for %d returned pages of %d", lo.ErrTransientDB, id, acc.lastID)
		w.logger.Errorf("Got exception reading pages of %d - %v", id, res.Err)

		return res
	}

	if err = w.writeFile(id, acc.sorted()); err != nil {
		res.Err = lo.Wrap(lo.ErrIO, err)
		w.logger.Errorf("Got IO exception writing %s - %v", w.layout.Path(id), err)

		return res
	}

	if w.mirror != nil {
		if err = w.upload(ctx, id); err != nil {
			res.Err = lo.Wrap(lo.ErrIO, err)
			w.logger.Errorf("Got IO exception mirroring %s - %v", Key(id), err)

			return res
		}
	}

	w.logger.Infof("Save progress %d, count: %d", id, acc.count)
	if err = w.store.MarkExported(ctx, id, acc.count); err != nil {
		res.Err = err
		w.logger.Errorf("Got exception saving progress of %d - %v", id, err)

		return res
	}
	res.Outcome = lo.Succeeded

	return res
}

func (w *Writer) readPages(ctx context.Context, id lo.ObjectID) (*pageAccumulator, error) {
	rows, err := w.db.QueryContext(ctx, pagesQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acc := newPageAccumulator()
	for rows.Next() {
		var (
			loid lo.ObjectID
			page lo.Page
		)
		if err := rows.Scan(&loid, &page.Seq, &page.Data); err != nil {
			return nil, err
		}
		w.logger.Debugf("Save dump %d:%d", loid, page.Seq)
		acc.add(loid, page)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return acc, nil
}

func (w *Writer) ensureDir(dir string) error {
	exists, err := afero.DirExists(w.fs, dir)
	if err != nil || exists {
		return err
	}
	if err = w.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w.logger.Infof("Make directories - %s", dir)

	return nil
}

// writeFile publishes the dump by renaming a fully written and synced temporary
// file into place.
func (w *Writer) writeFile(id lo.ObjectID, pages []lo.Page) error {
	if err := w.ensureDir(w.layout.Dir(id)); err != nil {
		return err
	}

	dst := w.layout.Path(id)
	tmp := dst + tmpExt
	w.logger.Infof("Open file %s", dst)
	file, err := w.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	err = writeStatements(bufio.NewWriter(file), id, pages)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = w.fs.Remove(tmp)

		return err
	}

	return w.fs.Rename(tmp, dst)
}

func writeStatements(bw *bufio.Writer, id lo.ObjectID, pages []lo.Page) error {
	if err := writeLine(bw, lo.CreateStmt(id)); err != nil {
		return err
	}
	if err := writeLine(bw, lo.OpenStmt(id)); err != nil {
		return err
	}
	for _, p := range pages {
		if err := writeLine(bw, lo.AppendStmt(p.Data)); err != nil {
			return err
		}
	}
	if err := writeLine(bw, lo.CloseStmt()); err != nil {
		return err
	}

	return bw.Flush()
}

func writeLine(bw *bufio.Writer, stmt string) error {
	if _, err := bw.WriteString(stmt); err != nil {
		return err
	}

	return bw.WriteByte('\n')
}

func (w *Writer) upload(ctx context.Context, id lo.ObjectID) error {
	file, err := w.fs.Open(w.layout.Path(id))
	if err != nil {
		return err
	}
	defer file.Close()

	if err = w.mirror.Upload(ctx, Key(id), file); err != nil {
		return fmt.Errorf("mirror %d: %w", id, err)
	}

	return nil
}
