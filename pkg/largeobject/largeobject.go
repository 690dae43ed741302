// Package largeobject holds the types shared by every stage of a large object
// migration: object identifiers, pages, the replayable statement vocabulary and
// the error taxonomy used to classify failures.
package largeobject

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// ObjectID names one large object. PostgreSQL large objects are keyed by an oid,
// which is an unsigned 32 bit integer.
type ObjectID uint32

func (id ObjectID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseObjectID parses a base-10 object identifier.
func ParseObjectID(s string) (ObjectID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid object id %q: %w", s, err)
	}

	return ObjectID(v), nil
}

// Page is one chunk of a large object's byte stream.
type Page struct {
	Seq  int32
	Data []byte
}

// INV_WRITE from libpq-fs.h.
const WriteMode = 0x20000

// CreateStmt returns the statement that creates the object with its original id.
func CreateStmt(id ObjectID) string {
	return fmt.Sprintf("SELECT pg_catalog.lo_create('%d');", id)
}

// OpenStmt opens the object for writing. The descriptor returned is always 0
// since it is the only descriptor opened in the replaying transaction.
func OpenStmt(id ObjectID) string {
	return fmt.Sprintf("SELECT pg_catalog.lo_open('%d', %d);", id, WriteMode)
}

// AppendStmt appends one page's payload to descriptor 0.
func AppendStmt(data []byte) string {
	return `SELECT pg_catalog.lowrite(0, '\x` + hex.EncodeToString(data) + `');`
}

func CloseStmt() string {
	return "SELECT pg_catalog.lo_close(0);"
}
