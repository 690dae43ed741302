// Package shard partitions restore work across independent worker processes.
package shard

import (
	"errors"
	"fmt"

	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/spaolacci/murmur3"
)

// Owns reports whether worker index of count workers is responsible for id.
// count and index must have passed Validate.
func Owns(id lo.ObjectID, count, index int) bool {
	return uint64(id)%uint64(count) == uint64(index)
}

func Validate(count, index int) error {
	if count < 1 {
		return errors.New("shard count must be at least 1")
	}
	if index < 0 || index >= count {
		return fmt.Errorf("shard index %d out of range [0, %d)", index, count)
	}

	return nil
}

// Filter binds Owns to one worker. The pairing is fixed for the lifetime of a run.
func Filter(count, index int) func(lo.ObjectID) bool {
	return func(id lo.ObjectID) bool {
		return Owns(id, count, index)
	}
}

// LockKey is the advisory lock key held by the worker for (count, index) so that
// two workers started with the same pairing can't apply the same files at once.
func LockKey(count, index int) int64 {
	return int64(murmur3.Sum64([]byte(fmt.Sprintf("lomig-restore/%d/%d", count, index))))
}
