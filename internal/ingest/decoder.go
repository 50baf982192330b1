package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pillpal/pillpal-core/internal/dose"
)

// MaxPayloadSize bounds a single device message.
const MaxPayloadSize = 64 << 10

// DeviceEvent is a decoded device message.
type DeviceEvent struct {
	// DeviceID is the nickname or hardware model the device reported.
	DeviceID string `json:"device_id" validate:"required"`

	// Event is the free-form event name; empty when absent or not a string.
	Event string `json:"event"`

	// Timestamp is the raw JSON value of "timestamp"; nil when absent or null.
	Timestamp json.RawMessage `json:"timestamp"`

	// Raw is the whole payload, compacted.
	Raw json.RawMessage `json:"-"`
}

// EventType classifies the event for storage.
func (e *DeviceEvent) EventType() dose.EventType {
	return dose.ClassifyEvent(e.Event)
}

// TimestampText returns the timestamp as stored: strings unquoted, any
// other JSON value as its literal text, nil when absent.
func (e *DeviceEvent) TimestampText() *string {
	if len(e.Timestamp) == 0 {
		return nil
	}
	var s string
	if e.Timestamp[0] == '"' && json.Unmarshal(e.Timestamp, &s) == nil {
		return &s
	}
	s = string(e.Timestamp)
	return &s
}

// Decoder parses and validates device payloads.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Decoder{validate: v}
}

// Decode parses payload into a DeviceEvent. All failures wrap ErrDecode.
func (d *Decoder) Decode(payload []byte) (*DeviceEvent, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrDecode, len(payload), MaxPayloadSize)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrDecode)
	}

	ev := &DeviceEvent{}
	if err := stringField(fields, "device_id", &ev.DeviceID); err != nil {
		return nil, err
	}
	ev.Event = eventName(fields["event"])
	if raw, ok := fields["timestamp"]; ok && !isNull(raw) {
		ev.Timestamp = compact(raw)
	}

	if err := d.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, describeValidation(err))
	}

	ev.Raw = compact(payload)
	return ev, nil
}

// stringField reads an optional string member; null counts as absent.
func stringField(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrDecode, name)
	}
	return nil
}

// eventName returns "event" when it is a JSON string. Any other value is
// kept in Raw only and classifies as a generic alert.
func eventName(raw json.RawMessage) string {
	var name string
	if len(raw) == 0 || json.Unmarshal(raw, &name) != nil {
		return ""
	}
	return name
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// compact strips insignificant whitespace. Input must be valid JSON.
func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
