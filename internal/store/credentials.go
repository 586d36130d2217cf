package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// CredentialRepo persists encrypted credentials. Plaintext never reaches
// this layer: callers seal values before Create and unseal after read.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo constructs a CredentialRepo.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Create inserts an encrypted credential for a system.
func (r *CredentialRepo) Create(ctx context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO credentials (id, system_id, encrypted_value, expires_at)
		VALUES ($1,$2,$3,$4)
	`, c.ID, c.SystemID, c.EncryptedValue, nullTime(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// List returns credential metadata (no values) for every system.
func (r *CredentialRepo) List(ctx context.Context) ([]*models.Credential, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, system_id, expires_at FROM credentials ORDER BY system_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		var c models.Credential
		var expiresAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.SystemID, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.ExpiresAt = timePtr(expiresAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Delete removes a credential by id.
func (r *CredentialRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
