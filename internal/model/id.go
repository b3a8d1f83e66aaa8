package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Dispatcher runs are keyed by it so that
// work item IDs, which restart at 1 for every run, stay unique in the store.
func NewID() string {
	return ulid.Make().String()
}
