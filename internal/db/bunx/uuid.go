package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string. Session and transaction
// ids use it so that listings sort by creation time.
//
// It panics if the entropy source fails, in which case nothing else could
// safely proceed either.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
