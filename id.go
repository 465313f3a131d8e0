package skiff

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ShortID returns the first 8 hex characters of a fresh UUIDv7, used for
// container names and other human-scannable handles.
func ShortID() string {
	return NewID()[:8]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
