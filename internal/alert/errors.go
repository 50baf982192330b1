package alert

import "errors"

var (
	// ErrMissingDependency is returned by NewScheduler when the finder or
	// publisher is nil.
	ErrMissingDependency = errors.New("alert: missing dependency")

	// ErrPublishFailed wraps a failed alert command publish.
	ErrPublishFailed = errors.New("alert: publish failed")

	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("alert: already started")
)
