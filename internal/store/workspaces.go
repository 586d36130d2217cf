package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// WorkspaceRepo persists Workspace rows.
type WorkspaceRepo struct {
	db *DB
}

// NewWorkspaceRepo constructs a WorkspaceRepo.
func NewWorkspaceRepo(db *DB) *WorkspaceRepo { return &WorkspaceRepo{db: db} }

// Create inserts a workspace.
func (r *WorkspaceRepo) Create(ctx context.Context, w *models.Workspace) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, description, created_at)
		VALUES ($1,$2,$3,$4)
	`, w.ID, w.Name, w.Description, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// Get returns a workspace by id, or nil when unknown.
func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*models.Workspace, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, name, description, created_at FROM workspaces WHERE id = $1
	`, id)
	var w models.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// List returns all workspaces ordered by name.
func (r *WorkspaceRepo) List(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, name, description, created_at FROM workspaces ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		var w models.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Delete removes a workspace by id.
func (r *WorkspaceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}
