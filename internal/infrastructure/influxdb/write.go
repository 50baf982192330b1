package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementIngest     = "ingest"
	measurementDoseEvents = "dose_events"
	measurementAlerts     = "alerts"
)

// WriteIngestOutcome records the result of processing one inbound message.
//
// Parameters:
//   - deviceIdentifier: The nickname or hardware model the device sent (may be empty on decode failure)
//   - outcome: Pipeline outcome (e.g., "recorded", "device_not_found", "decode_error")
//   - elapsed: Time spent in the pipeline
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteIngestOutcome(deviceIdentifier, outcome string, elapsed time.Duration) {
	c.writePoint(ingestPoint(deviceIdentifier, outcome, elapsed, time.Now()))
}

// WriteDoseEvent records a stored dose event.
func (c *Client) WriteDoseEvent(instanceID int64, eventType string) {
	c.writePoint(doseEventPoint(instanceID, eventType, time.Now()))
}

// WriteAlert records an alert command published to a device.
func (c *Client) WriteAlert(deviceID, instanceID int64) {
	c.writePoint(alertPoint(deviceID, instanceID, time.Now()))
}

func ingestPoint(deviceIdentifier, outcome string, elapsed time.Duration, ts time.Time) *write.Point {
	tags := map[string]string{"outcome": outcome}
	if deviceIdentifier != "" {
		tags["device"] = deviceIdentifier
	}
	return write.NewPoint(
		measurementIngest,
		tags,
		map[string]any{
			"count":      1,
			"elapsed_ms": float64(elapsed.Microseconds()) / 1000,
		},
		ts,
	)
}

func doseEventPoint(instanceID int64, eventType string, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementDoseEvents,
		map[string]string{"event_type": eventType},
		map[string]any{"instance_id": instanceID},
		ts,
	)
}

func alertPoint(deviceID, instanceID int64, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementAlerts,
		map[string]string{"device_id": strconv.FormatInt(deviceID, 10)},
		map[string]any{"instance_id": instanceID},
		ts,
	)
}
