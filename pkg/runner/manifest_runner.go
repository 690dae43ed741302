package runner

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/block/lomig/pkg/boot"
	"github.com/block/lomig/pkg/manifest"
	"github.com/block/lomig/pkg/random"
	"github.com/block/lomig/pkg/upload"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

// ManifestRunner writes a parquet listing of the export checkpoints of a
// source database.
type ManifestRunner struct {
	session *Session
	logger  loggers.Advanced

	creds     *DBCreds
	db        *sql.DB
	fs        afero.Fs
	schema    string
	dstType   string
	dstPath   string
	name      string
	runID     string
	startedBy string
	loader    upload.ConfigLoader
}

type ManifestRunnerConfig struct {
	Creds *DBCreds
	// DB replaces Creds when the caller already holds a connection.
	DB        *sql.DB
	Fs        afero.Fs
	Schema    string
	DstType   string
	DstPath   string
	Name      string
	RunID     string
	StartedBy string
	Loader    upload.ConfigLoader
}

func NewManifestRunner(cfg *ManifestRunnerConfig, logger loggers.Advanced) (*ManifestRunner, error) {
	loader := cfg.Loader
	if loader == nil {
		loader = awsConfigLoader
	}

	return &ManifestRunner{
		logger:    logger,
		creds:     cfg.Creds,
		db:        cfg.DB,
		fs:        cfg.Fs,
		schema:    cfg.Schema,
		dstType:   cfg.DstType,
		dstPath:   cfg.DstPath,
		name:      cfg.Name,
		runID:     cfg.RunID,
		startedBy: cfg.StartedBy,
		loader:    loader,
	}, nil
}

// Prepare generates a new runID and manifest name if not present already.
func (mr *ManifestRunner) Prepare() string {
	if mr.runID == "" {
		mr.runID = random.ID()
	}
	if mr.name == "" {
		mr.name = fmt.Sprintf("manifest-%s.parquet", mr.runID)
	}

	return mr.runID
}

func (mr *ManifestRunner) Close() error {
	if mr.session == nil {
		return nil
	}
	err := mr.session.Close()
	mr.session = nil

	return err
}

func (mr *ManifestRunner) Run(ctx context.Context) error {
	mr.Prepare()

	var err error
	mr.session, err = Open(ctx, &SessionConfig{
		Creds:  mr.creds,
		DB:     mr.db,
		Schema: mr.schema,
		Fs:     mr.fs,
		Logger: mr.logger,
		NewBooter: func(db *sql.DB, schema string) boot.Booter {
			return boot.NewExportBooter(&boot.ExportBooterConfig{
				DB:     db,
				Schema: schema,
				Logger: mr.logger,
			})
		},
	})
	if err != nil {
		return err
	}
	uploader, err := upload.NewUploader(ctx, mr.dstType, mr.dstPath, mr.session.Fs, mr.loader)
	if err != nil {
		return err
	}

	run := mr.session.newRun(manifestMode, mr.runID, mr.startedBy)
	run.dumpPath = mr.dstPath
	proceed, err := beginRun(ctx, run, mr.logger)
	if err != nil || !proceed {
		return err
	}

	data, rows, err := manifest.Build(ctx, mr.session.Store, 0)
	if err == nil {
		err = uploader.Upload(ctx, mr.name, bytes.NewReader(data))
	}
	if err = finishRun(ctx, run, runCounts{rounds: 1, succeeded: rows}, err, mr.logger); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	mr.logger.Infof("Manifest %s written to %s with %d objects", mr.name, mr.dstPath, rows)

	return nil
}
