package errorlookup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists the last fetched table between restarts.
type Store interface {
	Load(ctx context.Context, language string) (*Table, error)
	Save(ctx context.Context, t *Table) error
}

// Table kinds in the error_codes table.
const (
	kindHMS    = "hms"
	kindDevice = "device"
)

// SQLiteStore keeps the table in the error_codes table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store backed by db. The error_codes migration
// must already be applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load reads the stored table for language. It returns ErrNoTable when
// nothing is stored.
func (s *SQLiteStore) Load(ctx context.Context, language string) (*Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, code, description, fetched_at FROM error_codes WHERE language = ?`,
		language,
	)
	if err != nil {
		return nil, fmt.Errorf("querying error codes: %w", err)
	}
	defer rows.Close()

	t := &Table{
		HMS:      make(map[string]string),
		Device:   make(map[string]string),
		Language: language,
	}
	for rows.Next() {
		var kind, code, desc, fetched string
		if err := rows.Scan(&kind, &code, &desc, &fetched); err != nil {
			return nil, fmt.Errorf("scanning error code: %w", err)
		}
		switch kind {
		case kindHMS:
			t.HMS[code] = desc
		case kindDevice:
			t.Device[code] = desc
		}
		if ts, err := time.Parse(time.RFC3339, fetched); err == nil && ts.After(t.FetchedAt) {
			t.FetchedAt = ts
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating error codes: %w", err)
	}
	if t.Len() == 0 {
		return nil, ErrNoTable
	}
	return t, nil
}

// Save replaces the stored table for t.Language in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, t *Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM error_codes WHERE language = ?`, t.Language); err != nil {
		return fmt.Errorf("clearing error codes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO error_codes (kind, code, language, description, fetched_at) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	fetched := t.FetchedAt.UTC().Format(time.RFC3339)
	for kind, m := range map[string]map[string]string{kindHMS: t.HMS, kindDevice: t.Device} {
		for code, desc := range m {
			if _, err := stmt.ExecContext(ctx, kind, code, t.Language, desc, fetched); err != nil {
				return fmt.Errorf("inserting %s %s: %w", kind, code, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing error codes: %w", err)
	}
	return nil
}
