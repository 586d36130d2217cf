package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flydesk/flydesk/internal/models"
)

// DocumentRepo persists KnowledgeDocument rows. Chunk rows are owned by the
// vectorstore package; deleting a document here does not touch its chunks,
// which the indexer removes from the vector store before calling Delete.
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo constructs a DocumentRepo.
func NewDocumentRepo(db *DB) *DocumentRepo { return &DocumentRepo{db: db} }

// Create inserts a document in draft status.
func (r *DocumentRepo) Create(ctx context.Context, d *models.KnowledgeDocument) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = models.DocumentDraft
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, title, content, type, status, tags, workspace_ids, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, d.Title, d.Content, d.Type, string(d.Status), pq.Array(d.Tags), pq.Array(d.WorkspaceIDs), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// SetStatus transitions a document's lifecycle status.
func (r *DocumentRepo) SetStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE knowledge_documents SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return nil
}

// Get returns a document by id.
func (r *DocumentRepo) Get(ctx context.Context, id string) (*models.KnowledgeDocument, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, title, content, type, status, tags, workspace_ids, created_at, updated_at
		FROM knowledge_documents WHERE id = $1
	`, id)
	var d models.KnowledgeDocument
	var status string
	if err := row.Scan(&d.ID, &d.Title, &d.Content, &d.Type, &status,
		pq.Array(&d.Tags), pq.Array(&d.WorkspaceIDs), &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.Status = models.DocumentStatus(status)
	return &d, nil
}

// Delete removes a document row. Callers must delete the document's chunks
// from the vector store first (or in the same outer transaction) to uphold
// the chunk-cascade invariant.
func (r *DocumentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// TitleOf returns a document's title, used by the retriever to join chunks
// to their parent document title.
func (r *DocumentRepo) TitleOf(ctx context.Context, id string) (string, error) {
	var title string
	err := r.db.sql.QueryRowContext(ctx, `SELECT title FROM knowledge_documents WHERE id = $1`, id).Scan(&title)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get document title: %w", err)
	}
	return title, nil
}

// TagsOf returns a document's tags. The vector stores' tag filter does not
// call it; they receive a document's tags when its chunks are stored.
func (r *DocumentRepo) TagsOf(ctx context.Context, id string) ([]string, error) {
	var tags []string
	err := r.db.sql.QueryRowContext(ctx, `SELECT tags FROM knowledge_documents WHERE id = $1`, id).Scan(pq.Array(&tags))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document tags: %w", err)
	}
	return tags, nil
}

// DocumentSummary is the listing view of a document: everything but the
// content body.
type DocumentSummary struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Type      string                `json:"type"`
	Status    models.DocumentStatus `json:"status"`
	Tags      []string              `json:"tags"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ListSummaries returns every document's summary, most recently updated
// first.
func (r *DocumentRepo) ListSummaries(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, title, type, status, tags, updated_at
		FROM knowledge_documents ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		var status string
		if err := rows.Scan(&d.ID, &d.Title, &d.Type, &status, pq.Array(&d.Tags), &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document summary: %w", err)
		}
		d.Status = models.DocumentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
