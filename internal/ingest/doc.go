// Package ingest turns MQTT device messages into dose events.
//
// For every message on the device topic the Coordinator runs:
//
//	Decode -> resolve device -> resolve dose instance -> record
//
// and stops at the first stage that fails. Every failure is terminal for
// that message only: it is logged with whatever identifiers are known at
// that point, counted, and the handler returns nil so the transport treats
// the message as consumed. There are no retries, no dead-letter queue and
// no deduplication; a redelivered message is recorded again.
//
// Each store call runs under its own timeout derived from the coordinator's
// base context, which Stop cancels.
package ingest
