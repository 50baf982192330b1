package mqtt

import "errors"

// Transport errors. Operations wrap them with %w; match with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed  = errors.New("mqtt: broker connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic, or a wildcard where a
	// concrete topic is required.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is wrapped alongside the operation error when the broker
	// does not answer within the publish timeout.
	ErrTimeout = errors.New("mqtt: broker did not respond")
)
