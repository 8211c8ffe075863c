package docstore

import "errors"

var (
	// ErrNotFound is returned when a document does not exist. Callers that
	// treat absence as a valid outcome (conversation directory lookups)
	// must test for it with errors.Is instead of surfacing it.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned from operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrInvalidQuery is returned for structurally invalid queries
	// (empty collection, unknown filter op, negative limit).
	ErrInvalidQuery = errors.New("invalid query")
)
