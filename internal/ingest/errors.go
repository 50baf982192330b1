package ingest

import "errors"

var (
	// ErrDecode wraps every reason a payload cannot become a DeviceEvent.
	ErrDecode = errors.New("ingest: decode failed")

	// ErrMissingDependency is returned by NewCoordinator when a required
	// collaborator is nil.
	ErrMissingDependency = errors.New("ingest: missing dependency")

	// ErrNoTransport is returned by Start when no subscriber was configured.
	ErrNoTransport = errors.New("ingest: no transport configured")

	// ErrAlreadyStarted is returned by Start on a running coordinator.
	ErrAlreadyStarted = errors.New("ingest: already started")
)
