// Package influxdb is the optional time-series sink for ingestion and alert
// activity.
//
// Points go through the non-blocking write API of influxdb-client-go and are
// batched per the influxdb section of config.yaml. Failed background writes
// are reported through SetOnError. SQLite stays the record of truth; nothing
// here is read back.
//
// Measurements written:
//   - ingest (tags: device, outcome)
//   - dose_events (tags: event_type)
//   - alerts (tags: device_id)
package influxdb
