package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// AuditRepo persists append-only AuditEvent rows.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo constructs an AuditRepo.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Record writes one audit event.
func (r *AuditRepo) Record(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	detailJSON, err := marshalJSON(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, type, user_id, conversation_id, action, detail, risk_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.Timestamp, string(e.Type), e.UserID, nullString(e.ConversationID), e.Action, detailJSON, string(e.RiskLevel))
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// List returns audit events ordered newest-first, capped at limit.
func (r *AuditRepo) List(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, timestamp, type, user_id, conversation_id, action, detail, risk_level
		FROM audit_events ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var typ, risk string
		var convID sql.NullString
		var detailBytes []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.UserID, &convID, &e.Action, &detailBytes, &risk); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = models.AuditEventType(typ)
		e.RiskLevel = models.RiskLevel(risk)
		e.ConversationID = convID.String
		if detail, err := unmarshalJSONMap(detailBytes); err == nil {
			e.Detail = detail
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes audit events older than the retention window.
func (r *AuditRepo) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := r.db.sql.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}
