package runner

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newTestRun(t *testing.T) (*Run, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Run{
		mode:       restoreMode,
		ID:         "run1",
		schema:     "migration",
		db:         db,
		startedBy:  "tests",
		dumpPath:   "/dumps",
		shardCount: 3,
		shardIndex: 1,
	}, mock
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "started", Started.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "errored", Errored.String())
	require.Equal(t, "succeeded", Succeeded.String())
	require.Equal(t, "unknown", Status(42).String())
}

func TestRunEntry(t *testing.T) {
	run, mock := newTestRun(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "migration"."runs"`)).
		WithArgs("run1", restoreMode, int64(3), int64(1), Started.String(), "tests", "/dumps", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, createRunEntry(ctx, run))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs" WHERE run_id = $1 AND mode = $2 AND shard_index = $3`)).
		WithArgs("run1", restoreMode, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(Started.String()))
	status, err := getRunEntryStatus(ctx, run)
	require.NoError(t, err)
	require.Equal(t, Started.String(), status)

	run.status = Running.String()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
		WithArgs(Running.String(), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, setRunEntryStatus(ctx, run))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET rounds = $1`)).
		WithArgs(int64(1), int64(5), int64(2), int64(1), int64(0), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, setRunEntryCounts(ctx, run, runCounts{rounds: 1, succeeded: 5, skipped: 2, corrupt: 1}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunEntryMissing(t *testing.T) {
	run, mock := newTestRun(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs"`)).
		WillReturnError(sql.ErrNoRows)

	status, err := getRunEntryStatus(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, "", status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRunEntryStatusIgnoresCancel(t *testing.T) {
	run, mock := newTestRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run.status = Failed.String()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
		WithArgs(Failed.String(), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, setRunEntryStatus(ctx, run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginRun(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	t.Run("new run", func(t *testing.T) {
		run, mock := newTestRun(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs"`)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "migration"."runs"`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
			WithArgs(Running.String(), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		proceed, err := beginRun(context.Background(), run, logger)
		require.NoError(t, err)
		require.True(t, proceed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed run is resumed", func(t *testing.T) {
		run, mock := newTestRun(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs"`)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(Failed.String()))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "migration"."runs"`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		proceed, err := beginRun(context.Background(), run, logger)
		require.NoError(t, err)
		require.True(t, proceed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("succeeded run is skipped", func(t *testing.T) {
		run, mock := newTestRun(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs"`)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(Succeeded.String()))

		proceed, err := beginRun(context.Background(), run, logger)
		require.NoError(t, err)
		require.False(t, proceed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status lookup fails", func(t *testing.T) {
		run, mock := newTestRun(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM "migration"."runs"`)).
			WillReturnError(errors.New("relation does not exist"))

		_, err := beginRun(context.Background(), run, logger)
		require.ErrorContains(t, err, "relation does not exist")
	})
}

func TestFinishRun(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	run, mock := newTestRun(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET rounds = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
		WithArgs(Succeeded.String(), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, finishRun(context.Background(), run, runCounts{rounds: 1}, nil, logger))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, hook.AllEntries())

	// the work error wins over bookkeeping errors, which are only logged
	run, mock = newTestRun(t)
	workErr := errors.New("walk failed")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET rounds = $1`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "migration"."runs" SET status = $1`)).
		WithArgs(Failed.String(), sqlmock.AnyArg(), "run1", restoreMode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.ErrorIs(t, finishRun(context.Background(), run, runCounts{}, workErr, logger), workErr)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, hook.AllEntries(), 1)
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

type fixedProgress string

func (p fixedProgress) Progress() string {
	return string(p)
}

func TestWriteStatus(t *testing.T) {
	defer func(d time.Duration) { statusInterval = d }(statusInterval)
	statusInterval = 10 * time.Millisecond

	logger, hook := logtest.NewNullLogger()
	run, _ := newTestRun(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writeStatus(ctx, logger, run, fixedProgress("seen=3 applied=2"), time.Now())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return len(hook.AllEntries()) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	entry := hook.AllEntries()[0]
	require.True(t, strings.HasPrefix(entry.Message, "restore status: run-id=run1 progress=seen=3 applied=2"))
}
