package model

import "github.com/oklog/ulid/v2"

// NewID generates a lexically sortable ULID string for a task identifier.
func NewID() string {
	return ulid.Make().String()
}
