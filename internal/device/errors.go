package device

import "errors"

var (
	// ErrDeviceNotFound means no device has the identifier as nickname or
	// hw_model.
	ErrDeviceNotFound = errors.New("device: no match for identifier")

	// ErrEmptyIdentifier rejects "" before it can match an unset nickname.
	ErrEmptyIdentifier = errors.New("device: identifier is empty")
)
