package largeobject

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the database could not be reached at startup.
	ErrConnection = errors.New("connection failure")
	// ErrSchemaBootstrap means the tracking namespace or tables could not be created.
	ErrSchemaBootstrap = errors.New("schema bootstrap failure")
	// ErrIO is a filesystem or upload failure while writing or reading a dump.
	ErrIO = errors.New("io failure")
	// ErrTransientDB is a query or statement execution failure for one object.
	ErrTransientDB = errors.New("transient database failure")
	// ErrCorruptDump is a dump file that can never be applied, e.g. a zero-byte file.
	ErrCorruptDump = errors.New("corrupt dump")
)

// Wrap classifies err under kind, keeping the cause reachable with errors.Is/As.
// A nil err stays nil and an err already classified under kind is returned as is.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}

	return fmt.Errorf("%w: %w", kind, err)
}

// Fatal reports whether err must terminate the whole run rather than one object.
func Fatal(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrSchemaBootstrap)
}
