package dose

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the text form of every timestamp the core writes.
// Lexical order equals chronological order, which the scheduled_at range
// and ORDER BY clauses rely on.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Repository defines dose schedule and event log operations.
type Repository interface {
	// LatestInstanceForDevice returns the instance with the latest
	// scheduled_at among those belonging to the device's paired user.
	// Returns ErrInstanceNotFound when the chain is empty.
	LatestInstanceForDevice(ctx context.Context, deviceID int64) (*Instance, error)

	// InsertEvent appends a dose event and sets its ID.
	InsertEvent(ctx context.Context, event *Event) error

	// MarkTaken sets an instance's status to taken.
	// Returns ErrInstanceNotFound if the instance does not exist.
	MarkTaken(ctx context.Context, instanceID int64) error

	// ListEvents returns dose events matching the filter, newest first.
	ListEvents(ctx context.Context, filter EventFilter) (*EventList, error)

	// DueInstances returns pending instances scheduled within [from, to]
	// joined with active pairings, one row per (instance, device).
	DueInstances(ctx context.Context, from, to time.Time) ([]DueInstance, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// LatestInstanceForDevice resolves the most recently scheduled dose
// instance reachable through device_pairings -> medications.
func (r *SQLiteRepository) LatestInstanceForDevice(ctx context.Context, deviceID int64) (*Instance, error) {
	query := `
		SELECT di.instance_id, di.med_id, di.scheduled_at, di.status
		FROM dose_instances di
		JOIN medications m ON di.med_id = m.med_id
		JOIN device_pairings dp ON dp.user_id = m.user_id
		WHERE dp.device_id = ?
		ORDER BY di.scheduled_at DESC, di.instance_id DESC
		LIMIT 1`

	var inst Instance
	var scheduledAt, status string
	err := r.db.QueryRowContext(ctx, query, deviceID).
		Scan(&inst.ID, &inst.MedID, &scheduledAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("querying latest instance: %w", err)
	}

	inst.ScheduledAt = parseTime(scheduledAt)
	inst.Status = Status(status)
	return &inst, nil
}

// InsertEvent appends a dose event. ReceivedAt defaults to now and Source
// to SourceDevice.
func (r *SQLiteRepository) InsertEvent(ctx context.Context, event *Event) error {
	if event.InstanceID <= 0 || event.EventType == "" || len(event.Meta) == 0 {
		return fmt.Errorf("%w: instance_id, event_type and meta are required", ErrInvalidEvent)
	}
	if event.Source == "" {
		event.Source = SourceDevice
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	var createdAt any
	if event.CreatedAt != nil {
		createdAt = *event.CreatedAt
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO dose_events (instance_id, event_type, source, meta, created_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, string(event.EventType), event.Source, string(event.Meta),
		createdAt, FormatTime(event.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dose event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading dose event id: %w", err)
	}
	event.ID = id
	return nil
}

// MarkTaken sets an instance's status to taken. Repeating it is harmless.
func (r *SQLiteRepository) MarkTaken(ctx context.Context, instanceID int64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE dose_instances SET status = ? WHERE instance_id = ?",
		string(StatusTaken), instanceID,
	)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// ListEvents returns dose events matching the filter, most recently
// received first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, filter EventFilter) (*EventList, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for event queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.InstanceID > 0 {
		conditions = append(conditions, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(filter.EventType))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM dose_events %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting dose events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT event_id, instance_id, event_type, source, meta, created_at, received_at
		 FROM dose_events %s ORDER BY received_at DESC, event_id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dose events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var eventType, meta, receivedAt string
		var createdAt sql.NullString

		if err := rows.Scan(&e.ID, &e.InstanceID, &eventType, &e.Source, &meta, &createdAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning dose event: %w", err)
		}

		e.EventType = EventType(eventType)
		e.Meta = []byte(meta)
		if createdAt.Valid {
			s := createdAt.String
			e.CreatedAt = &s
		}
		e.ReceivedAt = parseTime(receivedAt)

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dose events: %w", err)
	}

	return &EventList{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// DueInstances returns pending instances in [from, to] for users with an
// active device pairing, ordered by scheduled time.
func (r *SQLiteRepository) DueInstances(ctx context.Context, from, to time.Time) ([]DueInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT di.instance_id, di.med_id, dp.device_id, m.user_id, di.scheduled_at
		FROM dose_instances di
		JOIN medications m ON m.med_id = di.med_id
		JOIN device_pairings dp ON dp.user_id = m.user_id AND dp.active = 1
		WHERE di.status = ?
		  AND di.scheduled_at >= ?
		  AND di.scheduled_at <= ?
		ORDER BY di.scheduled_at, di.instance_id, dp.device_id`,
		string(StatusPending), FormatTime(from), FormatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due instances: %w", err)
	}
	defer rows.Close()

	var due []DueInstance
	for rows.Next() {
		var d DueInstance
		var scheduledAt string
		if err := rows.Scan(&d.InstanceID, &d.MedID, &d.DeviceID, &d.UserID, &scheduledAt); err != nil {
			return nil, fmt.Errorf("scanning due instance: %w", err)
		}
		d.ScheduledAt = parseTime(scheduledAt)
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due instances: %w", err)
	}
	return due, nil
}

// parseTime accepts TimeLayout, RFC3339 with offsets and SQLite's
// datetime() format. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
