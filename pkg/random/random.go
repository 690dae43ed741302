// Package random generates run identifiers.
package random

import (
	"strings"

	"github.com/segmentio/ksuid"
)

// ID returns a new k-sortable run id, so runs list in start order.
func ID() string {
	return strings.ToLower(ksuid.New().String())
}
