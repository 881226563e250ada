// Package history records reported printer transitions in SQLite for the
// dashboard's per-printer history view.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrDeviceIDRequired is returned when an entry or query has no device id.
var ErrDeviceIDRequired = errors.New("history: device id is required")

// Entry is one reported transition.
type Entry struct {
	ID          int64     `json:"id"`
	DeviceID    string    `json:"device_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	Failure     bool      `json:"failure"`
	ErrorCode   int       `json:"error_code"`
	HMSCode     string    `json:"hms_code,omitempty"`
	Description string    `json:"description,omitempty"`
	Percent     int       `json:"percent"`
	JobName     string    `json:"job_name"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Repository stores transition entries.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a repository on db. The printer_transitions
// migration must already be applied.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Record inserts e. A zero OccurredAt is set to now.
func (r *Repository) Record(ctx context.Context, e Entry) error {
	if e.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO printer_transitions
			(device_id, from_status, to_status, reason, failure, error_code,
			 hms_code, description, percent, job_name, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DeviceID, e.From, e.To, e.Reason, boolToInt(e.Failure), e.ErrorCode,
		e.HMSCode, e.Description, e.Percent, e.JobName,
		e.OccurredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

// List returns the newest entries for deviceID.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Printer serial
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: Entries ordered newest first
//   - error: nil on success, otherwise the underlying query error
func (r *Repository) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, from_status, to_status, reason, failure, error_code,
		       hms_code, description, percent, job_name, occurred_at
		FROM printer_transitions
		WHERE device_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var failure int
		var occurred string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.From, &e.To, &e.Reason, &failure, &e.ErrorCode,
			&e.HMSCode, &e.Description, &e.Percent, &e.JobName, &occurred); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		e.Failure = failure != 0
		if e.OccurredAt, err = time.Parse(timeLayout, occurred); err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many were removed.
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := r.db.ExecContext(ctx, "DELETE FROM printer_transitions WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
