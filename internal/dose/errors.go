package dose

import "errors"

// Domain errors for the dose package.
var (
	// ErrInstanceNotFound is returned when no dose instance is reachable from
	// a device, or an instance id does not exist.
	ErrInstanceNotFound = errors.New("dose: instance not found")

	// ErrStoreWrite wraps failures of the event insert or status update.
	ErrStoreWrite = errors.New("dose: store write failed")

	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("dose: invalid event")
)
