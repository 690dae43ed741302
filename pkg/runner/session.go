package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/block/lomig/pkg/audit"
	"github.com/block/lomig/pkg/boot"
	"github.com/block/lomig/pkg/checkpoint"
	"github.com/block/lomig/pkg/dump"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

type SessionConfig struct {
	Creds *DBCreds
	// DB, if set, is used instead of connecting with Creds. The session does not
	// close it.
	DB     *sql.DB
	Schema string
	Path   string
	Fs     afero.Fs
	Logger loggers.Advanced
	// NewBooter builds the setup for the mode this session runs.
	NewBooter func(db *sql.DB, schema string) boot.Booter
}

// Session is the context of one invocation: the connection, the dump tree and
// the checkpoint store. It is opened once and closed on every exit path.
type Session struct {
	DB     *sql.DB
	Fs     afero.Fs
	Layout dump.Layout
	Store  *checkpoint.Store
	Schema string

	logger   loggers.Advanced
	ownsDB   bool
	releases []func(context.Context) error
}

// Open connects and bootstraps the tracking tables. Both failures are fatal
// for the invocation.
func Open(ctx context.Context, cfg *SessionConfig) (*Session, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = audit.DefaultSchema
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s := &Session{
		DB:     cfg.DB,
		Fs:     fs,
		Layout: dump.Layout{Root: cfg.Path},
		Schema: schema,
		logger: cfg.Logger,
	}
	if s.DB == nil {
		if cfg.Creds == nil {
			return nil, errors.New("no database credentials")
		}
		db, err := setupDB(ctx, dsnFromCreds(cfg.Creds))
		if err != nil {
			return nil, err
		}
		s.DB = db
		s.ownsDB = true
	}
	s.Store = checkpoint.NewStore(s.DB, schema)

	if cfg.NewBooter != nil {
		b := cfg.NewBooter(s.DB, schema)
		if err := b.PreflightChecks(ctx); err != nil {
			_ = s.Close()

			return nil, fmt.Errorf("failed preflight checks: %w", err)
		}
		if err := b.Setup(ctx); err != nil {
			_ = s.Close()

			return nil, fmt.Errorf("failed booter setup: %w", err)
		}
	}

	return s, nil
}

// Lock takes the advisory lock key for the rest of the session.
func (s *Session) Lock(ctx context.Context, key int64, what string) error {
	release, err := acquireLock(ctx, s.DB, key, what)
	if err != nil {
		return err
	}
	s.releases = append(s.releases, release)

	return nil
}

func (s *Session) Close() error {
	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		errs = append(errs, s.releases[i](context.Background()))
	}
	s.releases = nil
	if s.ownsDB && s.DB != nil {
		errs = append(errs, s.DB.Close())
		s.DB = nil
	}

	return errors.Join(errs...)
}

func (s *Session) newRun(mode, id, startedBy string) *Run {
	return &Run{
		mode:       mode,
		ID:         id,
		schema:     s.Schema,
		db:         s.DB,
		startedBy:  startedBy,
		dumpPath:   s.Layout.Root,
		shardCount: 1,
	}
}

// beginRun returns false when run already succeeded, otherwise records it as
// running.
func beginRun(ctx context.Context, run *Run, logger loggers.Advanced) (bool, error) {
	successful, err := checkIfSuccessfullyRan(ctx, run)
	if err != nil {
		return false, fmt.Errorf("failed to check if successfully ran: %w", err)
	}
	if successful {
		logger.Infof("%s with run-id:%s already successful, skipping", run.mode, run.ID)

		return false, nil
	}
	if err = createRunEntry(ctx, run); err != nil {
		return false, err
	}
	run.status = Running.String()
	if err = setRunEntryStatus(ctx, run); err != nil {
		return false, err
	}

	return true, nil
}
