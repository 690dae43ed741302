package runner

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/block/lomig/pkg/boot"
	"github.com/block/lomig/pkg/random"
	"github.com/block/lomig/pkg/restore"
	"github.com/block/lomig/pkg/shard"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type RestoreRunner struct {
	session *Session
	logger  loggers.Advanced
	out     io.Writer

	creds      *DBCreds
	db         *sql.DB
	fs         afero.Fs
	schema     string
	path       string
	shardCount int
	shardIndex int
	runID      string
	startedBy  string

	summary restore.Summary
}

type RestoreRunnerConfig struct {
	Creds *DBCreds
	// DB replaces Creds when the caller already holds a connection.
	DB     *sql.DB
	Fs     afero.Fs
	Schema string
	Path   string
	// ShardCount and ShardIndex select the files this worker applies. Zero
	// ShardCount means a single worker.
	ShardCount int
	ShardIndex int
	RunID      string
	StartedBy  string
	Out        io.Writer
}

func NewRestoreRunner(cfg *RestoreRunnerConfig, logger loggers.Advanced) (*RestoreRunner, error) {
	count := cfg.ShardCount
	if count == 0 {
		count = 1
	}
	if err := shard.Validate(count, cfg.ShardIndex); err != nil {
		return nil, err
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	return &RestoreRunner{
		logger:     logger,
		out:        out,
		creds:      cfg.Creds,
		db:         cfg.DB,
		fs:         cfg.Fs,
		schema:     cfg.Schema,
		path:       cfg.Path,
		shardCount: count,
		shardIndex: cfg.ShardIndex,
		runID:      cfg.RunID,
		startedBy:  cfg.StartedBy,
	}, nil
}

// Prepare generates a new runID if not present already.
func (rr *RestoreRunner) Prepare() string {
	if rr.runID == "" {
		rr.runID = random.ID()
	}

	return rr.runID
}

func (rr *RestoreRunner) Close() error {
	if rr.session == nil {
		return nil
	}
	err := rr.session.Close()
	rr.session = nil

	return err
}

// Summary is what the last Run did.
func (rr *RestoreRunner) Summary() restore.Summary {
	return rr.summary
}

func (rr *RestoreRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rr.Prepare()

	var err error
	rr.session, err = Open(ctx, &SessionConfig{
		Creds:  rr.creds,
		DB:     rr.db,
		Schema: rr.schema,
		Path:   rr.path,
		Fs:     rr.fs,
		Logger: rr.logger,
		NewBooter: func(db *sql.DB, schema string) boot.Booter {
			return boot.NewRestoreBooter(&boot.RestoreBooterConfig{
				DB:     db,
				Schema: schema,
				Logger: rr.logger,
			})
		},
	})
	if err != nil {
		return err
	}
	lockName := fmt.Sprintf("restore shard %d/%d", rr.shardIndex, rr.shardCount)
	if err = rr.session.Lock(ctx, shard.LockKey(rr.shardCount, rr.shardIndex), lockName); err != nil {
		return err
	}

	run := rr.session.newRun(restoreMode, rr.runID, rr.startedBy)
	run.shardCount = rr.shardCount
	run.shardIndex = rr.shardIndex
	proceed, err := beginRun(ctx, run, rr.logger)
	if err != nil || !proceed {
		return err
	}

	imported, err := rr.session.Store.Imported(ctx)
	if err != nil {
		return finishRun(ctx, run, runCounts{}, err, rr.logger)
	}
	walker := restore.NewWalker(&restore.WalkerConfig{
		DB:     rr.session.DB,
		Fs:     rr.session.Fs,
		Store:  rr.session.Store,
		Logger: rr.logger,
	})

	startTime := time.Now()
	rr.logger.Infof("Starting restore: run-id=%s path=%s shard=%d/%d already-imported=%d",
		rr.runID, rr.path, rr.shardIndex, rr.shardCount, len(imported))

	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)
	g.Go(func() error {
		writeStatus(statusCtx, rr.logger, run, walker, startTime)

		return nil
	})
	g.Go(func() error {
		defer stopStatus()
		var runErr error
		rr.summary, runErr = walker.Run(gctx, rr.path, imported, shard.Filter(rr.shardCount, rr.shardIndex))

		return runErr
	})
	restoreErr := g.Wait()

	err = finishRun(ctx, run, runCounts{
		rounds:    1,
		succeeded: rr.summary.Succeeded,
		skipped:   rr.summary.Skipped,
		corrupt:   rr.summary.Corrupt,
		failed:    rr.summary.Failed,
	}, restoreErr, rr.logger)
	if err != nil {
		rr.logger.Errorf("Failed to restore run-id=%s: %v", rr.runID, err)

		return err
	}
	total, err := rr.session.Store.CountImported(ctx)
	if err != nil {
		rr.logger.Warnf("error counting import checkpoints: %v", err)
	}
	rr.logger.Infof("Restore finished run-id=%s applied=%d skipped=%d corrupt=%d failed=%d total-imported=%d",
		rr.runID, rr.summary.Succeeded, rr.summary.Skipped, rr.summary.Corrupt, rr.summary.Failed, total)
	fmt.Fprintln(rr.out, "All blobs restored")

	return nil
}
