package realtime

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// newID returns a ULID for connection and envelope ids.
func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
