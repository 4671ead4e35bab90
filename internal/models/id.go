package models

import (
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns an identifier like "sig_01J8ZQ...": a short type prefix
// followed by a ULID, so ids of the same type sort by creation time.
func NewID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
