package runner

import (
	"context"
	"fmt"

	"github.com/block/lomig/pkg/random"
	"github.com/siddontang/loggers"
)

// MigrateRunner exports from a source database and restores into a destination
// one through the same dump tree. The two halves are ordinary export and
// restore runs sharing a run id.
type MigrateRunner struct {
	export  *ExportRunner
	restore *RestoreRunner
}

type MigrateRunnerConfig struct {
	Export  ExportRunnerConfig
	Restore RestoreRunnerConfig
}

func NewMigrateRunner(cfg *MigrateRunnerConfig, logger loggers.Advanced) (*MigrateRunner, error) {
	exportCfg := cfg.Export
	restoreCfg := cfg.Restore
	if exportCfg.RunID == "" {
		exportCfg.RunID = random.ID()
	}
	if restoreCfg.RunID == "" {
		restoreCfg.RunID = exportCfg.RunID
	}
	if restoreCfg.Path == "" {
		restoreCfg.Path = exportCfg.Path
	}
	if restoreCfg.Fs == nil {
		restoreCfg.Fs = exportCfg.Fs
	}

	er, err := NewExportRunner(&exportCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating export runner: %w", err)
	}
	rr, err := NewRestoreRunner(&restoreCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating restore runner: %w", err)
	}

	return &MigrateRunner{export: er, restore: rr}, nil
}

// Run stops after the export when it fails; objects it couldn't dump are
// picked up by the next invocation.
func (mr *MigrateRunner) Run(ctx context.Context) error {
	if err := mr.export.Run(ctx); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	// release the source before touching the destination
	if err := mr.export.Close(); err != nil {
		return err
	}
	if err := mr.restore.Run(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	return nil
}

func (mr *MigrateRunner) Close() error {
	exportErr := mr.export.Close()
	if err := mr.restore.Close(); err != nil {
		return err
	}

	return exportErr
}
