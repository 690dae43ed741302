package random

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := ID()
		require.Len(t, id, 27)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
