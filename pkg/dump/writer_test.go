package dump

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/block/lomig/pkg/checkpoint"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/block/lomig/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var insertExportRe = regexp.QuoteMeta(`INSERT INTO "migration"."py_largeobject" (lo_id, pages) VALUES ($1, $2)`)

func newWriter(t *testing.T, fs afero.Fs, mirror upload.Uploader) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewWriter(&WriterConfig{
		DB:     db,
		Fs:     fs,
		Layout: Layout{Root: "/dump"},
		Store:  checkpoint.NewStore(db, "migration"),
		Logger: logrus.New(),
		Mirror: mirror,
	}), mock
}

func pageRows(id lo.ObjectID, pages ...lo.Page) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"loid", "pageno", "data"})
	for _, p := range pages {
		rows.AddRow(int64(id), int64(p.Seq), p.Data)
	}

	return rows
}

// replay reassembles an object from a dump the way the server would.
func replay(t *testing.T, data string) []byte {
	t.Helper()
	var out []byte
	for _, line := range strings.Split(strings.TrimSuffix(data, "\n"), "\n") {
		if !strings.HasPrefix(line, `SELECT pg_catalog.lowrite(0, '\x`) {
			continue
		}
		payload := strings.TrimSuffix(strings.TrimPrefix(line, `SELECT pg_catalog.lowrite(0, '\x`), `');`)
		b, err := hex.DecodeString(payload)
		require.NoError(t, err)
		out = append(out, b...)
	}

	return out
}

func TestExportOrdersPages(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, mock := newWriter(t, fs, nil)

	b0, b1, b2 := []byte("first-"), []byte("second-"), []byte{0x00, 0xff, '\''}
	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(16404)).
		WillReturnRows(pageRows(16404, lo.Page{Seq: 0, Data: b0}, lo.Page{Seq: 2, Data: b2}, lo.Page{Seq: 1, Data: b1}))
	mock.ExpectExec(insertExportRe).
		WithArgs(int64(16404), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := w.Export(context.Background(), 16404)
	require.NoError(t, res.Err)
	require.Equal(t, lo.Succeeded, res.Outcome)
	require.Equal(t, 3, res.Pages)
	require.NoError(t, mock.ExpectationsWereMet())

	data, err := afero.ReadFile(fs, "/dump/164/16404.sql")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Equal(t, []string{
		lo.CreateStmt(16404),
		lo.OpenStmt(16404),
		lo.AppendStmt(b0),
		lo.AppendStmt(b1),
		lo.AppendStmt(b2),
		lo.CloseStmt(),
	}, lines)
	require.Equal(t, bytes.Join([][]byte{b0, b1, b2}, nil), replay(t, string(data)))

	exists, err := afero.Exists(fs, "/dump/164/16404.sql.tmp")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExportEmptyObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, mock := newWriter(t, fs, nil)

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).WithArgs(int64(7)).WillReturnRows(pageRows(7))
	mock.ExpectExec(insertExportRe).WithArgs(int64(7), int64(0)).WillReturnResult(sqlmock.NewResult(0, 1))

	res := w.Export(context.Background(), 7)
	require.Equal(t, lo.Succeeded, res.Outcome)
	require.Equal(t, 0, res.Pages)

	data, err := afero.ReadFile(fs, "/dump/7/7.sql")
	require.NoError(t, err)
	require.Equal(t, lo.CreateStmt(7)+"\n"+lo.OpenStmt(7)+"\n"+lo.CloseStmt()+"\n", string(data))
}

func TestExportQueryFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, mock := newWriter(t, fs, nil)

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).WillReturnError(errors.New("connection reset"))

	res := w.Export(context.Background(), 42)
	require.Equal(t, lo.Failed, res.Outcome)
	require.ErrorIs(t, res.Err, lo.ErrTransientDB)
	require.NoError(t, mock.ExpectationsWereMet())

	exists, err := afero.Exists(fs, "/dump/42/42.sql")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExportForeignPages(t *testing.T) {
	w, mock := newWriter(t, afero.NewMemMapFs(), nil)
	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(42)).
		WillReturnRows(pageRows(43, lo.Page{Seq: 0, Data: []byte("x")}))

	res := w.Export(context.Background(), 42)
	require.Equal(t, lo.Failed, res.Outcome)
	require.ErrorIs(t, res.Err, lo.ErrTransientDB)
}

func TestExportIOFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	w, mock := newWriter(t, fs, nil)

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(42)).
		WillReturnRows(pageRows(42, lo.Page{Seq: 0, Data: []byte("x")}))

	res := w.Export(context.Background(), 42)
	require.Equal(t, lo.Failed, res.Outcome)
	require.ErrorIs(t, res.Err, lo.ErrIO)
	// the checkpoint insert was never attempted
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportCheckpointFailureLeavesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, mock := newWriter(t, fs, nil)

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(42)).
		WillReturnRows(pageRows(42, lo.Page{Seq: 0, Data: []byte("x")}))
	mock.ExpectExec(insertExportRe).WillReturnError(errors.New("deadlock detected"))

	res := w.Export(context.Background(), 42)
	require.Equal(t, lo.Failed, res.Outcome)
	require.ErrorIs(t, res.Err, lo.ErrTransientDB)

	// the complete file stays; the next round rewrites it and checkpoints again
	exists, err := afero.Exists(fs, "/dump/42/42.sql")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestExportMirror(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, mock := newWriter(t, fs, upload.NewFileUploader(fs, "/mirror"))

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(16404)).
		WillReturnRows(pageRows(16404, lo.Page{Seq: 0, Data: []byte("abc")}))
	mock.ExpectExec(insertExportRe).WithArgs(int64(16404), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))

	res := w.Export(context.Background(), 16404)
	require.Equal(t, lo.Succeeded, res.Outcome)

	orig, err := afero.ReadFile(fs, "/dump/164/16404.sql")
	require.NoError(t, err)
	mirrored, err := afero.ReadFile(fs, "/mirror/164/16404.sql")
	require.NoError(t, err)
	require.Equal(t, orig, mirrored)
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, io.ReadSeeker) error {
	return errors.New("access denied")
}

func TestExportMirrorFailure(t *testing.T) {
	w, mock := newWriter(t, afero.NewMemMapFs(), failingUploader{})

	mock.ExpectQuery(regexp.QuoteMeta(pagesQuery)).
		WithArgs(int64(1)).
		WillReturnRows(pageRows(1, lo.Page{Seq: 0, Data: []byte("abc")}))

	res := w.Export(context.Background(), 1)
	require.Equal(t, lo.Failed, res.Outcome)
	require.ErrorIs(t, res.Err, lo.ErrIO)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageAccumulator(t *testing.T) {
	acc := newPageAccumulator()
	acc.add(9, lo.Page{Seq: 0})
	acc.add(9, lo.Page{Seq: 1})
	require.True(t, acc.ordered)
	acc.add(9, lo.Page{Seq: 3})
	acc.add(9, lo.Page{Seq: 2})
	require.False(t, acc.ordered)
	require.Equal(t, 4, acc.count)
	require.Equal(t, lo.ObjectID(9), acc.lastID)
	require.Equal(t, int32(2), acc.lastSeq)

	var seqs []int32
	for _, p := range acc.sorted() {
		seqs = append(seqs, p.Seq)
	}
	require.Equal(t, []int32{0, 1, 2, 3}, seqs)
}
