// Package runner wires the export and restore components into the command flows
// and records each invocation in the runs table.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/block/lomig/pkg/audit"
	"github.com/siddontang/loggers"
)

type Status int64

const (
	Started Status = iota
	Running
	Failed
	Errored
	Succeeded
)

const (
	exportMode   = "export"
	restoreMode  = "restore"
	manifestMode = "manifest"
)

var statusInterval = 30 * time.Second

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Errored:
		return "errored"
	case Succeeded:
		return "succeeded"
	}

	return "unknown"
}

type Run struct {
	mode       string
	ID         string
	status     string
	schema     string
	db         *sql.DB
	startedBy  string
	dumpPath   string
	shardCount int
	shardIndex int
}

// runCounts are the per-run totals written back to the runs table.
type runCounts struct {
	rounds    int
	succeeded int
	skipped   int
	corrupt   int
	failed    int
}

// createRunEntry inserts the run or, when the same run id is started again,
// resets it to started.
func createRunEntry(ctx context.Context, run *Run) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, mode, shard_count, shard_index, status, started_by, dump_path, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (run_id, mode, shard_index) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		audit.Table(run.schema, audit.RunsTblName))
	_, err := run.db.ExecContext(ctx, query,
		run.ID,
		run.mode,
		run.shardCount,
		run.shardIndex,
		Started.String(),
		run.startedBy,
		run.dumpPath,
		time.Now(),
	)

	return err
}

// getRunEntryStatus returns the status of the run entry, or "" when there is none.
func getRunEntryStatus(ctx context.Context, run *Run) (string, error) {
	var runStatus string
	query := fmt.Sprintf("SELECT status FROM %s WHERE run_id = $1 AND mode = $2 AND shard_index = $3",
		audit.Table(run.schema, audit.RunsTblName))
	err := run.db.QueryRowContext(ctx, query, run.ID, run.mode, run.shardIndex).Scan(&runStatus)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	return runStatus, nil
}

// setRunEntryStatus sets the status of the run entry.
func setRunEntryStatus(ctx context.Context, run *Run) error {
	// We want to update the status of the run even if the context is cancelled.
	ctx = context.WithoutCancel(ctx)
	query := fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE run_id = $3 AND mode = $4 AND shard_index = $5",
		audit.Table(run.schema, audit.RunsTblName))
	_, err := run.db.ExecContext(ctx, query, run.status, time.Now(), run.ID, run.mode, run.shardIndex)

	return err
}

func setRunEntryCounts(ctx context.Context, run *Run, c runCounts) error {
	ctx = context.WithoutCancel(ctx)
	query := fmt.Sprintf(`UPDATE %s SET rounds = $1, succeeded = $2, skipped = $3, corrupt = $4, failed = $5, updated_at = $6
WHERE run_id = $7 AND mode = $8 AND shard_index = $9`,
		audit.Table(run.schema, audit.RunsTblName))
	_, err := run.db.ExecContext(ctx, query,
		c.rounds, c.succeeded, c.skipped, c.corrupt, c.failed, time.Now(),
		run.ID, run.mode, run.shardIndex)

	return err
}

func checkIfSuccessfullyRan(ctx context.Context, run *Run) (bool, error) {
	runStatus, err := getRunEntryStatus(ctx, run)
	if err != nil {
		return false, err
	}

	return runStatus == Succeeded.String(), nil
}

// finishRun records the outcome of the work. workErr is returned unchanged;
// bookkeeping failures are only logged so they never hide it.
func finishRun(ctx context.Context, run *Run, c runCounts, workErr error, logger loggers.Advanced) error {
	run.status = Succeeded.String()
	if workErr != nil {
		run.status = Failed.String()
	}
	if err := setRunEntryCounts(ctx, run, c); err != nil {
		logger.Errorf("error recording counts for run-id=%s: %v", run.ID, err)
	}
	if err := setRunEntryStatus(ctx, run); err != nil {
		logger.Errorf("error recording status for run-id=%s: %v", run.ID, err)
	}

	return workErr
}

type progresser interface {
	Progress() string
}

// writeStatus logs a status line every statusInterval until ctx is done.
func writeStatus(ctx context.Context, logger loggers.Advanced, run *Run, p progresser, startTime time.Time) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Infof("%s status: run-id=%s progress=%s total-time=%s conns-in-use=%d",
				run.mode,
				run.ID,
				p.Progress(),
				time.Since(startTime).Round(time.Second),
				run.db.Stats().InUse,
			)
		}
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Close() error
}
