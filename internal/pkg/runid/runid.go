// Package runid generates lexically sortable run identifiers.
package runid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New returns a ULID stamped with t. IDs created in the same millisecond
// still sort in creation order.
func New(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Validate returns an error if s is not a run ID.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
