package dose

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a dose instance.
type Status string

// Dose instance statuses. The core writes only StatusTaken; StatusMissed is
// set by the scheduling service that owns dose_instances.
const (
	StatusPending Status = "pending"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
)

// EventType classifies a dose event.
type EventType string

// Dose event types.
const (
	EventAckTaken     EventType = "ack_taken"
	EventAlertStarted EventType = "alert_started"
)

// SourceDevice is the source recorded for events ingested from dispensers.
const SourceDevice = "device"

// pillTaken is the device event name that acknowledges a dose.
const pillTaken = "pill_taken"

// ClassifyEvent maps a device-reported event name to an EventType.
// Only "pill_taken" is an acknowledgement; anything else, including an
// empty name, is an alert.
func ClassifyEvent(name string) EventType {
	if name == pillTaken {
		return EventAckTaken
	}
	return EventAlertStarted
}

// IsAck reports whether the event type acknowledges a dose.
func (t EventType) IsAck() bool {
	return t == EventAckTaken
}

// Instance is one scheduled occurrence of a medication dose.
type Instance struct {
	ID          int64     `json:"instance_id"`
	MedID       int64     `json:"med_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
}

// Event is an immutable audit record attached to a dose instance.
type Event struct {
	ID         int64           `json:"event_id"`
	InstanceID int64           `json:"instance_id"`
	EventType  EventType       `json:"event_type"`
	Source     string          `json:"source"`
	Meta       json.RawMessage `json:"meta"`

	// CreatedAt is the device-supplied timestamp stored verbatim; nil when
	// the device sent none.
	CreatedAt *string `json:"created_at"`

	// ReceivedAt is when the core stored the event.
	ReceivedAt time.Time `json:"received_at"`
}

// DueInstance is a pending dose joined with a device actively paired to
// the dose's owner.
type DueInstance struct {
	InstanceID  int64
	MedID       int64
	DeviceID    int64
	UserID      int64
	ScheduledAt time.Time
}

// EventFilter controls which dose events ListEvents returns.
type EventFilter struct {
	InstanceID int64     // optional
	EventType  EventType // optional
	Limit      int       // default 50, max 200
	Offset     int
}

// EventList is a page of dose events, most recently received first.
type EventList struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}
