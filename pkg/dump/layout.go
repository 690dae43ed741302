// Package dump turns large objects into replayable statement files and back into
// object ids. One file holds one object; files are bucketed into directories named
// by the first three digits of the object id.
package dump

import (
	"path"
	"path/filepath"
	"strings"

	lo "github.com/block/lomig/pkg/largeobject"
)

const (
	// Ext marks a published dump file.
	Ext = ".sql"
	// tmpExt marks a dump still being written.
	tmpExt = ".tmp"

	bucketDigits = 3
)

type Layout struct {
	Root string
}

// Bucket is the directory name holding id's dump.
func Bucket(id lo.ObjectID) string {
	s := id.String()
	if len(s) > bucketDigits {
		s = s[:bucketDigits]
	}

	return s
}

func (l Layout) Dir(id lo.ObjectID) string {
	return filepath.Join(l.Root, Bucket(id))
}

func (l Layout) Path(id lo.ObjectID) string {
	return filepath.Join(l.Dir(id), id.String()+Ext)
}

// Key is the slash separated path of id's dump relative to the root.
func Key(id lo.ObjectID) string {
	return path.Join(Bucket(id), id.String()+Ext)
}

// ParseFileName extracts the object id from a dump file name. ok is false for
// anything that isn't a published dump.
func ParseFileName(name string) (lo.ObjectID, bool) {
	if filepath.Ext(name) != Ext {
		return 0, false
	}
	id, err := lo.ParseObjectID(strings.TrimSuffix(name, Ext))
	if err != nil {
		return 0, false
	}

	return id, true
}
