// Package dose owns the dose schedule and the append-only dose event log.
//
// It provides two pieces of the ingestion pipeline:
//
//   - Instance resolution: LatestInstanceForDevice joins the device's
//     pairing to its user's medications and returns the dose instance with
//     the latest scheduled_at. This is the most recently scheduled dose, not
//     the next one due. With several concurrent medications the device
//     cannot say which one an event belongs to.
//
//   - Event recording: Recorder.Record appends a DoseEvent and, for
//     acknowledgements only, marks the instance taken. The two writes are
//     independent. A failed insert does not stop the status update and
//     neither write is retried.
//
// The only status transition performed anywhere in this module is
// pending/missed -> taken, driven by an ack_taken event.
package dose
