package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// MemoryRepo provides user-scoped CRUD over UserMemory rows. Every query is
// scoped strictly by user_id.
type MemoryRepo struct {
	db *DB
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo(db *DB) *MemoryRepo { return &MemoryRepo{db: db} }

// Create inserts a new memory row.
func (r *MemoryRepo) Create(ctx context.Context, m *models.UserMemory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO user_memories (id, user_id, content, category, source, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.UserID, m.Content, string(m.Category), string(m.Source), metaJSON)
	if err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	return nil
}

// ListByUser returns all memories owned by userID, ordered by id
// descending. IDs are random UUIDs and the table has no creation time, so
// the order does not follow when memories were written.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string) ([]*models.UserMemory, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, user_id, content, category, source, metadata
		FROM user_memories WHERE user_id = $1 ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*models.UserMemory
	for rows.Next() {
		var m models.UserMemory
		var category, source string
		var metaBytes []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &category, &source, &metaBytes); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Category = models.MemoryCategory(category)
		m.Source = models.MemorySource(source)
		if meta, err := unmarshalJSONMap(metaBytes); err == nil {
			m.Metadata = meta
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Delete removes a memory row, scoped to userID so one user can never
// delete another's memory.
func (r *MemoryRepo) Delete(ctx context.Context, userID, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `DELETE FROM user_memories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}
