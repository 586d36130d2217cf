package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// ConversationRepo persists Conversation rows and their append-only
// Message log.
type ConversationRepo struct {
	db *DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// Create inserts a new Conversation, generating its ID if empty.
func (r *ConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, model_id, message_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, c.ID, c.UserID, c.Title, c.ModelID, c.MessageCount, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by id, or nil if not found or soft-deleted.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, user_id, title, model_id, message_count, created_at, updated_at, deleted_at
		FROM conversations WHERE id = $1 AND deleted_at IS NULL
	`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func scanConversation(scanner interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var deletedAt sql.NullTime
	if err := scanner.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.MessageCount,
		&c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	c.DeletedAt = timePtr(deletedAt)
	return &c, nil
}

// IncrementMessageCount bumps message_count and updated_at atomically; used
// by the turn executor after persisting each message.
func (r *ConversationRepo) IncrementMessageCount(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment message count: %w", err)
	}
	return nil
}

// SoftDelete marks a conversation deleted without touching its messages.
func (r *ConversationRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE conversations SET deleted_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	return nil
}

// MessageRepo persists the append-only Message log of a Conversation.
type MessageRepo struct {
	db *DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append writes one immutable Message row. Messages are never updated after
// this call.
func (r *MessageRepo) Append(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, metadata, token_count, turn_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.ConversationID, string(m.Role), m.Content, metaJSON, m.TokenCount, m.TurnID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListByConversation returns all messages for a conversation in
// chronological order.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, metadata, token_count, turn_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var metaBytes []byte
		var tokenCount sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &metaBytes,
			&tokenCount, &m.TurnID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		if meta, err := unmarshalJSONMap(metaBytes); err == nil {
			m.Metadata = meta
		}
		if tokenCount.Valid {
			n := int(tokenCount.Int64)
			m.TokenCount = &n
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
