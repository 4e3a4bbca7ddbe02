package domain

import "github.com/google/uuid"

// ID is a time-ordered 128-bit identifier, sortable by creation time.
type ID = uuid.UUID

// NewID returns a new UUIDv7. Falls back to v4 only if the monotonic clock
// source fails, which os-level entropy exhaustion aside does not happen.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// ParseID parses an identifier from its string form.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}
