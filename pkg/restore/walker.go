// Package restore replays dump files into a destination database, one object per
// serializable transaction, recording each applied object in the same
// transaction.
package restore

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/block/lomig/pkg/checkpoint"
	"github.com/block/lomig/pkg/dump"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/lib/pq"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

const readBufferSize = 64 * 1024

// Summary counts the dump files a run looked at, by outcome. Foreign files
// belong to another shard.
type Summary struct {
	Succeeded int
	Skipped   int
	Foreign   int
	Corrupt   int
	Failed    int
}

func (s *Summary) add(o lo.Outcome) {
	switch o {
	case lo.Succeeded:
		s.Succeeded++
	case lo.Skipped:
		s.Skipped++
	case lo.Corrupt:
		s.Corrupt++
	case lo.Failed:
		s.Failed++
	}
}

type Walker struct {
	db     *sql.DB
	fs     afero.Fs
	store  *checkpoint.Store
	logger loggers.Advanced

	applied atomic.Uint64
	seen    atomic.Uint64
}

type WalkerConfig struct {
	DB     *sql.DB
	Fs     afero.Fs
	Store  *checkpoint.Store
	Logger loggers.Advanced
}

func NewWalker(cfg *WalkerConfig) *Walker {
	return &Walker{
		db:     cfg.DB,
		fs:     cfg.Fs,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// Run applies every dump under root that owns accepts and imported doesn't
// contain. Objects applied by this run are added to imported. Per-file failures
// are logged and counted; the returned error is only set when the walk itself
// can't proceed (missing root, cancelled ctx).
func (w *Walker) Run(ctx context.Context, root string, imported map[lo.ObjectID]struct{}, owns func(lo.ObjectID) bool) (Summary, error) {
	var sum Summary
	err := afero.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return lo.Wrap(lo.ErrIO, err)
			}
			w.logger.Errorf("Got IO exception walking %s - %v", path, err)

			return nil
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), dump.Ext) {
			return nil
		}

		id, ok := dump.ParseFileName(info.Name())
		if !ok {
			w.logger.Warnf("Skip file - %s - name is not an object id", path)

			return nil
		}
		if !owns(id) {
			sum.Foreign++

			return nil
		}
		w.seen.Add(1)
		w.logger.Infof("Found dump file - %s", path)

		sum.add(w.visit(ctx, id, path, info.Size(), imported))

		return nil
	})

	return sum, err
}

func (w *Walker) visit(ctx context.Context, id lo.ObjectID, path string, size int64, imported map[lo.ObjectID]struct{}) lo.Outcome {
	if size == 0 {
		w.logger.Errorf("Empty dump file - %s", path)

		return lo.Corrupt
	}
	if _, ok := imported[id]; ok {
		w.logger.Infof("Skip dump file - %s - already uploaded", path)

		return lo.Skipped
	}

	w.logger.Infof("Uploading dump file - %s", path)
	res := w.ApplyFile(ctx, id, path)
	switch res.Outcome {
	case lo.Succeeded:
		imported[id] = struct{}{}
		w.applied.Add(1)
	case lo.Corrupt:
		w.logger.Errorf("Corrupt dump file - %s - %v", path, res.Err)
	default:
		w.logger.Errorf("Got exception uploading %s - %v", path, describe(res.Err))
	}

	return res.Outcome
}

// ApplyFile replays one dump and records it as imported, all in one
// serializable transaction. Nothing is left behind unless the commit succeeds.
func (w *Walker) ApplyFile(ctx context.Context, id lo.ObjectID, path string) lo.Result {
	res := lo.Result{ID: id, Outcome: lo.Failed}

	file, err := w.fs.Open(path)
	if err != nil {
		res.Err = lo.Wrap(lo.ErrIO, err)

		return res
	}
	defer file.Close()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		res.Err = lo.Wrap(lo.ErrTransientDB, err)

		return res
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				w.logger.Warnf("rollback of %d failed: %v", id, rbErr)
			}
		}
	}()

	pages, err := w.replay(ctx, tx, id, bufio.NewReaderSize(file, readBufferSize))
	if err != nil {
		res.Err = err
		if errors.Is(err, lo.ErrCorruptDump) {
			res.Outcome = lo.Corrupt
		}

		return res
	}
	res.Pages = pages

	if err = w.store.MarkImported(ctx, tx, id); err != nil {
		res.Err = lo.Wrap(lo.ErrTransientDB, err)

		return res
	}
	if err = tx.Commit(); err != nil {
		res.Err = lo.Wrap(lo.ErrTransientDB, err)

		return res
	}
	committed = true
	res.Outcome = lo.Succeeded

	return res
}

// replay executes the statements of r in order and returns the number of page
// statements. A dump must start with the creation of id and end by closing it.
func (w *Walker) replay(ctx context.Context, tx *sql.Tx, id lo.ObjectID, r *bufio.Reader) (int, error) {
	var (
		stmts int
		last  string
	)
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return 0, lo.Wrap(lo.ErrIO, readErr)
		}

		if stmt := strings.TrimSpace(line); stmt != "" {
			if stmts == 0 && stmt != lo.CreateStmt(id) {
				return 0, fmt.Errorf("%w: dump doesn't start by creating %d", lo.ErrCorruptDump, id)
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, lo.Wrap(lo.ErrTransientDB, fmt.Errorf("statement %d: %w", stmts+1, err))
			}
			stmts++
			last = stmt
		}

		if readErr == io.EOF {
			break
		}
	}
	if stmts < 3 || last != lo.CloseStmt() {
		return 0, fmt.Errorf("%w: dump of %d is truncated", lo.ErrCorruptDump, id)
	}

	// create, open and close frame the page statements
	return stmts - 3, nil
}

// Progress is a one line status for periodic reporting.
func (w *Walker) Progress() string {
	return fmt.Sprintf("seen=%d applied=%d", w.seen.Load(), w.applied.Load())
}

func describe(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Sprintf("%v (sqlstate %s %s)", err, pqErr.Code, pqErr.Code.Name())
	}

	return fmt.Sprint(err)
}
