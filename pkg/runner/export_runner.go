package runner

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/lomig/pkg/boot"
	"github.com/block/lomig/pkg/dump"
	"github.com/block/lomig/pkg/enumerate"
	"github.com/block/lomig/pkg/random"
	"github.com/block/lomig/pkg/upload"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type ExportRunner struct {
	session *Session
	logger  loggers.Advanced
	out     io.Writer

	creds     *DBCreds
	db        *sql.DB
	fs        afero.Fs
	schema    string
	path      string
	chunk     int
	runID     string
	startedBy string
	mirrorTp  string
	mirrorDst string
	loader    upload.ConfigLoader

	summary dump.Summary
}

type ExportRunnerConfig struct {
	Creds *DBCreds
	// DB replaces Creds when the caller already holds a connection.
	DB        *sql.DB
	Fs        afero.Fs
	Schema    string
	Path      string
	Chunk     int
	RunID     string
	StartedBy string
	// MirrorType and MirrorPath optionally copy every dump to a second
	// destination (local or s3).
	MirrorType string
	MirrorPath string
	Out        io.Writer
	Loader     upload.ConfigLoader
}

func NewExportRunner(cfg *ExportRunnerConfig, logger loggers.Advanced) (*ExportRunner, error) {
	if cfg.MirrorPath != "" && cfg.MirrorType == "" {
		return nil, fmt.Errorf("mirror path %q given without a mirror type", cfg.MirrorPath)
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	loader := cfg.Loader
	if loader == nil {
		loader = awsConfigLoader
	}

	return &ExportRunner{
		logger:    logger,
		out:       out,
		creds:     cfg.Creds,
		db:        cfg.DB,
		fs:        cfg.Fs,
		schema:    cfg.Schema,
		path:      cfg.Path,
		chunk:     cfg.Chunk,
		runID:     cfg.RunID,
		startedBy: cfg.StartedBy,
		mirrorTp:  cfg.MirrorType,
		mirrorDst: cfg.MirrorPath,
		loader:    loader,
	}, nil
}

// Prepare generates a new runID if not present already.
func (er *ExportRunner) Prepare() string {
	if er.runID == "" {
		er.runID = random.ID()
	}

	return er.runID
}

func (er *ExportRunner) Close() error {
	if er.session == nil {
		return nil
	}
	err := er.session.Close()
	er.session = nil

	return err
}

// Summary is what the last Run did.
func (er *ExportRunner) Summary() dump.Summary {
	return er.summary
}

func (er *ExportRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	er.Prepare()

	var err error
	er.session, err = Open(ctx, &SessionConfig{
		Creds:  er.creds,
		DB:     er.db,
		Schema: er.schema,
		Path:   er.path,
		Fs:     er.fs,
		Logger: er.logger,
		NewBooter: func(db *sql.DB, schema string) boot.Booter {
			return boot.NewExportBooter(&boot.ExportBooterConfig{
				DB:             db,
				Schema:         schema,
				RefreshCatalog: true,
				Logger:         er.logger,
			})
		},
	})
	if err != nil {
		return err
	}
	if err = er.session.Lock(ctx, exportLockKey(), "export"); err != nil {
		return err
	}

	run := er.session.newRun(exportMode, er.runID, er.startedBy)
	proceed, err := beginRun(ctx, run, er.logger)
	if err != nil || !proceed {
		return err
	}

	exporter, err := er.newExporter(ctx)
	if err != nil {
		return finishRun(ctx, run, runCounts{}, err, er.logger)
	}

	startTime := time.Now()
	er.logger.Infof("Starting export: run-id=%s path=%s chunk=%d", er.runID, er.path, er.chunk)

	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)
	g.Go(func() error {
		writeStatus(statusCtx, er.logger, run, exporter, startTime)

		return nil
	})
	g.Go(func() error {
		defer stopStatus()
		var runErr error
		er.summary, runErr = exporter.Run(gctx)

		return runErr
	})
	exportErr := g.Wait()

	err = finishRun(ctx, run, runCounts{
		rounds:    er.summary.Rounds,
		succeeded: er.summary.Succeeded,
		failed:    er.summary.Failed,
	}, exportErr, er.logger)
	if err != nil {
		er.logger.Errorf("Failed to export run-id=%s: %v", er.runID, err)

		return err
	}
	total, err := er.session.Store.CountExported(ctx)
	if err != nil {
		er.logger.Warnf("error counting export checkpoints: %v", err)
	}
	er.logger.Infof("Successfully exported run-id=%s objects=%d pages=%d total-exported=%d", er.runID, er.summary.Succeeded, er.summary.Pages, total)
	fmt.Fprintln(er.out, "All blobs exported")

	return nil
}

func (er *ExportRunner) newExporter(ctx context.Context) (*dump.Exporter, error) {
	var mirror upload.Uploader
	if er.mirrorTp != "" {
		var err error
		mirror, err = upload.NewUploader(ctx, er.mirrorTp, er.mirrorDst, er.session.Fs, er.loader)
		if err != nil {
			return nil, err
		}
	}
	writer := dump.NewWriter(&dump.WriterConfig{
		DB:     er.session.DB,
		Fs:     er.session.Fs,
		Layout: er.session.Layout,
		Store:  er.session.Store,
		Logger: er.logger,
		Mirror: mirror,
	})
	enumerator := enumerate.NewEnumerator(er.session.DB, er.session.Schema, er.logger)

	return dump.NewExporter(enumerator, writer, er.chunk, er.logger), nil
}

func awsConfigLoader(ctx context.Context, _ ...func(*config.LoadOptions) error) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}
