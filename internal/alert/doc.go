// Package alert drives dispenser alerts for doses that have come due.
//
// A Scheduler periodically asks the dose store for pending instances whose
// scheduled time fell inside the last Window, restricted to devices with an
// active pairing. Each (device, instance) pair is alerted once: an
// alert_start command is published on pillpal/command/{device_id} and the
// device is marked as alerting until Clear is called, normally by the
// ingest coordinator when the device acknowledges the dose.
//
// The scheduler never changes dose status. A dose nobody acknowledges simply
// stays pending.
package alert
