package dose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventStore is the write side of Repository used by Recorder.
type EventStore interface {
	InsertEvent(ctx context.Context, event *Event) error
	MarkTaken(ctx context.Context, instanceID int64) error
}

// Record is one classified device event bound to a resolved instance.
type Record struct {
	InstanceID int64
	EventType  EventType
	Meta       json.RawMessage
	Timestamp  *string
}

// RecordResult reports the outcome of each write separately.
type RecordResult struct {
	EventID       int64
	StatusUpdated bool
	EventErr      error
	StatusErr     error
}

// Err joins both write errors; nil when every attempted write succeeded.
func (r RecordResult) Err() error {
	return errors.Join(r.EventErr, r.StatusErr)
}

// Recorder appends dose events and applies the taken transition.
type Recorder struct {
	store   EventStore
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a Recorder. Each store call gets its own timeout;
// zero disables the per-call bound.
func NewRecorder(store EventStore, timeout time.Duration) *Recorder {
	return &Recorder{
		store:   store,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record inserts the event and, for acknowledgements, marks the instance
// taken. The status update is attempted even when the insert failed.
// Nothing is retried and neither write is rolled back.
func (r *Recorder) Record(ctx context.Context, rec Record) RecordResult {
	var result RecordResult

	event := &Event{
		InstanceID: rec.InstanceID,
		EventType:  rec.EventType,
		Source:     SourceDevice,
		Meta:       rec.Meta,
		CreatedAt:  rec.Timestamp,
		ReceivedAt: r.now(),
	}

	if err := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.store.InsertEvent(ctx, event)
	}); err != nil {
		result.EventErr = fmt.Errorf("%w: inserting event for instance %d: %w", ErrStoreWrite, rec.InstanceID, err)
	} else {
		result.EventID = event.ID
	}

	if !rec.EventType.IsAck() {
		return result
	}

	if err := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.store.MarkTaken(ctx, rec.InstanceID)
	}); err != nil {
		result.StatusErr = fmt.Errorf("%w: marking instance %d taken: %w", ErrStoreWrite, rec.InstanceID, err)
	} else {
		result.StatusUpdated = true
	}

	return result
}

func (r *Recorder) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if r.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(callCtx)
}
