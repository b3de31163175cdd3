package boardview

import "errors"

var (
	// ErrNotFound is returned when a document or aggregate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReferenceNotFound is returned when a handler resolves a cross-aggregate
	// reference and the referenced aggregate or sub-entity is missing. The
	// condition is transient: the reference is expected to materialize once the
	// upstream events commit, so the dispatcher retries the envelope.
	ErrReferenceNotFound = errors.New("referenced state not found")

	// ErrConcurrencyConflict is returned when an optimistic sequence check fails
	// on append.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAggregateExists is returned when appending the first event of an
	// aggregate that already has events.
	ErrAggregateExists = errors.New("aggregate already exists")

	// ErrDuplicateHandler is returned when a subscriber registers two handlers
	// for the same event type. Registration happens once at startup, so this is
	// a configuration error and the process must not begin consuming.
	ErrDuplicateHandler = errors.New("handler already registered for event type")

	// ErrDuplicateSubscriber is returned when two subscribers with the same
	// name register for the same aggregate category.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)
