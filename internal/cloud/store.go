package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialStore caches the credential per account.
type CredentialStore interface {
	// Load returns ErrNotLoggedIn when nothing is cached.
	Load(ctx context.Context, account string) (*Credential, error)
	Save(ctx context.Context, account string, c *Credential) error
}

// SQLiteStore keeps credentials in the cloud_credentials table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on db. The cloud_credentials migration must
// already be applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load reads the cached credential for account.
func (s *SQLiteStore) Load(ctx context.Context, account string) (*Credential, error) {
	var c Credential
	var expires, refreshExpires string
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, username, expires_at, refresh_expires_at
		FROM cloud_credentials WHERE account = ?`, account,
	).Scan(&c.AccessToken, &c.RefreshToken, &c.Username, &expires, &refreshExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	if c.ExpiresAt, err = time.Parse(time.RFC3339, expires); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if c.RefreshExpiresAt, err = time.Parse(time.RFC3339, refreshExpires); err != nil {
		return nil, fmt.Errorf("parsing refresh_expires_at: %w", err)
	}
	return &c, nil
}

// Save upserts the credential for account.
func (s *SQLiteStore) Save(ctx context.Context, account string, c *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cloud_credentials
			(account, access_token, refresh_token, username, expires_at, refresh_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			username = excluded.username,
			expires_at = excluded.expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			updated_at = excluded.updated_at`,
		account,
		c.AccessToken,
		c.RefreshToken,
		c.Username,
		c.ExpiresAt.UTC().Format(time.RFC3339),
		c.RefreshExpiresAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}
