package runner

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/allisson/go-pglock/v3"
	lo "github.com/block/lomig/pkg/largeobject"
	_ "github.com/lib/pq" // register the postgres driver
	"github.com/spaolacci/murmur3"
)

const (
	defaultPort    = 5432
	defaultSSLMode = "prefer"
)

// DBCreds holds what's needed to reach one PostgreSQL database.
type DBCreds struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// dsnFromCreds renders creds as a postgres:// URL understood by lib/pq.
func dsnFromCreds(c *DBCreds) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}

	return u.String()
}

func setupDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, lo.Wrap(lo.ErrConnection, err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, lo.Wrap(lo.ErrConnection, fmt.Errorf("error connecting to database: %w", err))
	}

	return db, nil
}

// exportLockKey guards the single writer of a source database.
func exportLockKey() int64 {
	return int64(murmur3.Sum64([]byte("lomig-export")))
}

// acquireLock takes a session level advisory lock without waiting. The returned
// release func unlocks it and gives the connection back.
func acquireLock(ctx context.Context, db *sql.DB, key int64, what string) (func(context.Context) error, error) {
	lock, err := pglock.NewLock(ctx, key, db)
	if err != nil {
		return nil, fmt.Errorf("creating %s lock: %w", what, err)
	}
	locked, err := lock.Lock(ctx)
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("acquiring %s lock: %w", what, err)
	}
	if !locked {
		_ = lock.Close()

		return nil, fmt.Errorf("%s lock is held by another worker", what)
	}

	return func(ctx context.Context) error {
		unlockErr := lock.Unlock(ctx)
		if closeErr := lock.Close(); unlockErr == nil {
			unlockErr = closeErr
		}

		return unlockErr
	}, nil
}
