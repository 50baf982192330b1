package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the device lookup used by ingestion.
type Repository interface {
	// FindByIdentifier returns the device whose nickname or hw_model equals
	// identifier, applying the nickname-first tie-break.
	// Returns ErrDeviceNotFound if nothing matches.
	FindByIdentifier(ctx context.Context, identifier string) (*Device, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// FindByIdentifier resolves a device by nickname or hardware model.
func (r *SQLiteRepository) FindByIdentifier(ctx context.Context, identifier string) (*Device, error) {
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}

	query := `
		SELECT device_id, nickname, hw_model, created_at,
			CASE WHEN nickname = ? THEN 'nickname' ELSE 'hw_model' END AS matched_by
		FROM devices
		WHERE nickname = ? OR hw_model = ?
		ORDER BY CASE WHEN nickname = ? THEN 0 ELSE 1 END, device_id
		LIMIT 1`

	var d Device
	var createdAt, matchedBy string
	err := r.db.QueryRowContext(ctx, query, identifier, identifier, identifier, identifier).
		Scan(&d.ID, &d.Nickname, &d.HWModel, &createdAt, &matchedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by identifier: %w", err)
	}

	d.CreatedAt = parseTimestamp(createdAt)
	d.MatchedBy = MatchField(matchedBy)
	return &d, nil
}

// parseTimestamp accepts RFC3339 and SQLite's datetime() format. Unparseable
// values yield the zero time; the column is informational only.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
