package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// CallbackDeliveryRepo persists one append-only row per outbound webhook
// delivery attempt.
type CallbackDeliveryRepo struct {
	db *DB
}

// NewCallbackDeliveryRepo constructs a CallbackDeliveryRepo.
func NewCallbackDeliveryRepo(db *DB) *CallbackDeliveryRepo { return &CallbackDeliveryRepo{db: db} }

// Record writes one delivery attempt row.
func (r *CallbackDeliveryRepo) Record(ctx context.Context, d *models.CallbackDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var statusCode sql.NullInt64
	if d.StatusCode != nil {
		statusCode = sql.NullInt64{Int64: int64(*d.StatusCode), Valid: true}
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO callback_deliveries (id, callback_id, event, url, attempt, status, status_code, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, d.CallbackID, d.Event, d.URL, d.Attempt, string(d.Status), statusCode, nullString(d.Error), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record callback delivery: %w", err)
	}
	return nil
}

// ListByCallback returns all delivery attempts for one callback, in attempt
// order.
func (r *CallbackDeliveryRepo) ListByCallback(ctx context.Context, callbackID string) ([]*models.CallbackDelivery, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, callback_id, event, url, attempt, status, status_code, error, created_at
		FROM callback_deliveries WHERE callback_id = $1 ORDER BY attempt ASC
	`, callbackID)
	if err != nil {
		return nil, fmt.Errorf("list callback deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.CallbackDelivery
	for rows.Next() {
		var d models.CallbackDelivery
		var status string
		var statusCode sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&d.ID, &d.CallbackID, &d.Event, &d.URL, &d.Attempt, &status, &statusCode, &errStr, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan callback delivery: %w", err)
		}
		d.Status = models.DeliveryStatus(status)
		d.Error = errStr.String
		if statusCode.Valid {
			n := int(statusCode.Int64)
			d.StatusCode = &n
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
