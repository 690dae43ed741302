package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/block/lomig/pkg/runner"
	"github.com/sirupsen/logrus"
)

var errPasswordRequired = errors.New("The password must be set.") //nolint:stylecheck // printed to the operator as is

var cli struct {
	Globals

	Export   ExportCmd   `cmd:"export"   help:"Dump every large object to a tree of SQL files"`
	Restore  RestoreCmd  `cmd:"restore"  help:"Apply the SQL dump tree to a database"`
	Migrate  MigrateCmd  `cmd:"migrate"  help:"Export from a source database and restore into a destination one"`
	Manifest ManifestCmd `cmd:"manifest" help:"Write a parquet manifest of exported objects"`
}

// Globals are accepted by every command.
type Globals struct {
	Verbose bool   `name:"verbose" short:"v" help:"Log progress, not only errors"`
	LogFile string `name:"log-file" help:"Append the log to this file instead of stdout" type:"path"`
}

// DBCreds are the connection flags shared by every command.
type DBCreds struct {
	Host       string `name:"host" short:"H" help:"PG hostname" required:""`
	Port       int    `name:"port" short:"p" help:"PG port" default:"5432"`
	Database   string `name:"database" short:"d" help:"PG database" required:""`
	User       string `name:"user" short:"U" help:"PG user" required:""`
	Password   string `name:"password" short:"W" help:"PG password" env:"PGPASSWORD"`
	NoPassword bool   `name:"no-password" short:"w" help:"Connect with an empty password"`
	SSLMode    string `name:"sslmode" help:"libpq sslmode" default:"prefer" enum:"disable,allow,prefer,require,verify-ca,verify-full"`
}

// DestDBCreds address the destination of a migrate run.
type DestDBCreds struct {
	Host       string `name:"host" help:"Destination PG hostname" required:""`
	Port       int    `name:"port" help:"Destination PG port" default:"5432"`
	Database   string `name:"database" help:"Destination PG database" required:""`
	User       string `name:"user" help:"Destination PG user" required:""`
	Password   string `name:"password" help:"Destination PG password" env:"PGDESTPASSWORD"`
	NoPassword bool   `name:"no-password" help:"Connect to the destination with an empty password"`
	SSLMode    string `name:"sslmode" help:"Destination libpq sslmode" default:"prefer" enum:"disable,allow,prefer,require,verify-ca,verify-full"`
}

// RunConfig identifies and locates a run.
type RunConfig struct {
	Path      string `name:"path" short:"o" help:"Storage folder for the dump tree" required:"" type:"path"`
	Schema    string `name:"schema" help:"Schema holding the tracking tables" default:"migration"`
	RunID     string `name:"run-id" help:"RunID for the job" optional:""`
	StartedBy string `name:"started-by" help:"Name of the system/user who started the run" optional:""`
}

type ExportCmd struct {
	Chunk      int    `name:"chunk" short:"c" help:"Objects enumerated per round" default:"1000"`
	MirrorType string `name:"mirror-type" help:"Also copy every dump to this destination type" enum:",local,s3" default:""`
	MirrorPath string `name:"mirror-path" help:"Directory or s3://bucket/prefix receiving the copies" optional:""`
	RunConfig
	DBCreds
}

type RestoreCmd struct {
	Limit int `name:"limit" short:"l" help:"Number of restore workers" default:"1"`
	Index int `name:"index" short:"i" help:"Index of this worker, from 0 to limit-1" default:"0"`
	RunConfig
	DBCreds
}

type MigrateCmd struct {
	Chunk int         `name:"chunk" short:"c" help:"Objects enumerated per round" default:"1000"`
	Dest  DestDBCreds `embed:"" prefix:"dest-"`
	RunConfig
	DBCreds
}

type ManifestCmd struct {
	Schema    string `name:"schema" help:"Schema holding the tracking tables" default:"migration"`
	DstType   string `name:"destination-type" help:"Where to write the manifest" enum:"local,s3" default:"local"`
	DstPath   string `name:"destination-path" help:"Directory or s3://bucket/prefix for the manifest" required:""`
	Name      string `name:"name" help:"Manifest file name" optional:""`
	RunID     string `name:"run-id" help:"RunID for the job" optional:""`
	StartedBy string `name:"started-by" help:"Name of the system/user who started the run" optional:""`
	DBCreds
}

func (c *DBCreds) toRunner() (*runner.DBCreds, error) {
	return credsFor(c.Host, c.Port, c.Database, c.User, c.Password, c.NoPassword, c.SSLMode)
}

func (c *DestDBCreds) toRunner() (*runner.DBCreds, error) {
	return credsFor(c.Host, c.Port, c.Database, c.User, c.Password, c.NoPassword, c.SSLMode)
}

func credsFor(host string, port int, database, user, password string, noPassword bool, sslMode string) (*runner.DBCreds, error) {
	if noPassword {
		password = ""
	} else if password == "" {
		return nil, errPasswordRequired
	}

	return &runner.DBCreds{
		Host:     host,
		Port:     port,
		Database: database,
		User:     user,
		Password: password,
		SSLMode:  sslMode,
	}, nil
}

// newLogger returns the logger for one invocation and a func closing its output.
func newLogger(g *Globals) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if g.LogFile != "" {
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	logger.SetOutput(out)
	logger.SetLevel(logrus.ErrorLevel)
	if g.Verbose {
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger, closeFn, nil
}

// Run invokes the export. Blocks until every object is dumped or a round makes
// no progress.
func (e *ExportCmd) Run(g *Globals) error {
	creds, err := e.DBCreds.toRunner()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(g)
	if err != nil {
		return err
	}
	defer closeLog()

	exportRunner, err := runner.NewExportRunner(&runner.ExportRunnerConfig{
		Creds:      creds,
		Schema:     e.Schema,
		Path:       e.Path,
		Chunk:      e.Chunk,
		RunID:      e.RunID,
		StartedBy:  e.StartedBy,
		MirrorType: e.MirrorType,
		MirrorPath: e.MirrorPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating export runner: %w", err)
	}

	return run(exportRunner)
}

func (r *RestoreCmd) Run(g *Globals) error {
	creds, err := r.DBCreds.toRunner()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(g)
	if err != nil {
		return err
	}
	defer closeLog()

	restoreRunner, err := runner.NewRestoreRunner(&runner.RestoreRunnerConfig{
		Creds:      creds,
		Schema:     r.Schema,
		Path:       r.Path,
		ShardCount: r.Limit,
		ShardIndex: r.Index,
		RunID:      r.RunID,
		StartedBy:  r.StartedBy,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating restore runner: %w", err)
	}

	return run(restoreRunner)
}

func (m *MigrateCmd) Run(g *Globals) error {
	src, err := m.DBCreds.toRunner()
	if err != nil {
		return err
	}
	dst, err := m.Dest.toRunner()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(g)
	if err != nil {
		return err
	}
	defer closeLog()

	migrateRunner, err := runner.NewMigrateRunner(&runner.MigrateRunnerConfig{
		Export: runner.ExportRunnerConfig{
			Creds:     src,
			Schema:    m.Schema,
			Path:      m.Path,
			Chunk:     m.Chunk,
			RunID:     m.RunID,
			StartedBy: m.StartedBy,
		},
		Restore: runner.RestoreRunnerConfig{
			Creds:     dst,
			Schema:    m.Schema,
			StartedBy: m.StartedBy,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating migrate runner: %w", err)
	}

	return run(migrateRunner)
}

func (m *ManifestCmd) Run(g *Globals) error {
	creds, err := m.DBCreds.toRunner()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(g)
	if err != nil {
		return err
	}
	defer closeLog()

	manifestRunner, err := runner.NewManifestRunner(&runner.ManifestRunnerConfig{
		Creds:     creds,
		Schema:    m.Schema,
		DstType:   m.DstType,
		DstPath:   m.DstPath,
		Name:      m.Name,
		RunID:     m.RunID,
		StartedBy: m.StartedBy,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating manifest runner: %w", err)
	}

	return run(manifestRunner)
}

func run(r runner.Runner) error {
	defer r.Close()

	return r.Run(context.Background())
}

func main() {
	parsedCmd := kong.Parse(&cli,
		kong.Name("lomig"),
		kong.Description("Resumable migration of PostgreSQL large objects through SQL dump files."),
		kong.UsageOnError(),
	)
	parsedCmd.FatalIfErrorf(parsedCmd.Run(&cli.Globals))
}
