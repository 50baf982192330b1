package influxdb

import "errors"

var (
	// ErrNotConnected is returned by HealthCheck on a closed or unset sink.
	ErrNotConnected = errors.New("influxdb: sink not connected")

	// ErrConnectionFailed wraps the reason Connect could not reach the server.
	ErrConnectionFailed = errors.New("influxdb: cannot reach server")

	// ErrDisabled means influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: sink disabled")
)
