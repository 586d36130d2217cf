package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// WorkflowRepo persists Workflow rows and their ordered WorkflowSteps.
// Webhook registrations are persisted separately by WebhookRepo.
type WorkflowRepo struct {
	db *DB
}

// NewWorkflowRepo constructs a WorkflowRepo.
func NewWorkflowRepo(db *DB) *WorkflowRepo { return &WorkflowRepo{db: db} }

// Create persists a new workflow and its steps (dense, contiguous
// step_index 0..n-1) in one transaction.
func (r *WorkflowRepo) Create(ctx context.Context, w *models.Workflow, steps []*models.WorkflowStep) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback()

	stateJSON, err := marshalJSON(w.State)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	resultJSON, err := marshalJSON(w.Result)
	if err != nil {
		return fmt.Errorf("marshal workflow result: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, type, status, current_step, state, result, next_check_at, conversation_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, w.ID, w.UserID, w.Type, string(w.Status), w.CurrentStep, stateJSON, resultJSON,
		nullTime(w.NextCheckAt), nullString(w.ConversationID), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = w.ID
		step.StepIndex = i
		inputJSON, err := marshalJSON(step.Input)
		if err != nil {
			return fmt.Errorf("marshal step input: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, step_index, step_type, status, input, output, error)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, step.ID, step.WorkflowID, step.StepIndex, string(step.StepType), string(step.Status), inputJSON, []byte("{}"), step.Error)
		if err != nil {
			return fmt.Errorf("insert workflow step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Get returns a workflow by id, or nil if not found.
func (r *WorkflowRepo) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, user_id, type, status, current_step, state, result, next_check_at, conversation_id, created_at, updated_at, completed_at
		FROM workflows WHERE id = $1
	`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func scanWorkflow(scanner interface{ Scan(...any) error }) (*models.Workflow, error) {
	var w models.Workflow
	var status string
	var stateBytes, resultBytes []byte
	var nextCheckAt, completedAt sql.NullTime
	var convID sql.NullString
	if err := scanner.Scan(&w.ID, &w.UserID, &w.Type, &status, &w.CurrentStep, &stateBytes, &resultBytes,
		&nextCheckAt, &convID, &w.CreatedAt, &w.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	w.Status = models.WorkflowStatus(status)
	w.ConversationID = convID.String
	w.NextCheckAt = timePtr(nextCheckAt)
	w.CompletedAt = timePtr(completedAt)
	if state, err := unmarshalJSONMap(stateBytes); err == nil {
		w.State = state
	}
	if result, err := unmarshalJSONMap(resultBytes); err == nil {
		w.Result = result
	}
	return &w, nil
}

// ListSteps returns all steps of a workflow ordered by step_index.
func (r *WorkflowRepo) ListSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, workflow_id, step_index, step_type, status, input, output, error
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_index ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowStep
	for rows.Next() {
		var s models.WorkflowStep
		var stepType, status string
		var inputBytes, outputBytes []byte
		var errStr sql.NullString
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.StepIndex, &stepType, &status, &inputBytes, &outputBytes, &errStr); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		s.StepType = models.StepType(stepType)
		s.Status = models.StepStatus(status)
		s.Error = errStr.String
		if input, err := unmarshalJSONMap(inputBytes); err == nil {
			s.Input = input
		}
		if output, err := unmarshalJSONMap(outputBytes); err == nil {
			s.Output = output
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpdateState writes the workflow's status, current step, state, result and
// timestamps and checkpoints updated_at. The engine merges trigger payloads
// into State before calling it.
func (r *WorkflowRepo) UpdateState(ctx context.Context, w *models.Workflow) error {
	stateJSON, err := marshalJSON(w.State)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	resultJSON, err := marshalJSON(w.Result)
	if err != nil {
		return fmt.Errorf("marshal workflow result: %w", err)
	}
	w.UpdatedAt = time.Now().UTC()
	_, err = r.db.sql.ExecContext(ctx, `
		UPDATE workflows SET status = $2, current_step = $3, state = $4, result = $5,
			next_check_at = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`, w.ID, string(w.Status), w.CurrentStep, stateJSON, resultJSON,
		nullTime(w.NextCheckAt), w.UpdatedAt, nullTime(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	return nil
}

// UpdateStep writes one step's status/output/error.
func (r *WorkflowRepo) UpdateStep(ctx context.Context, s *models.WorkflowStep) error {
	outputJSON, err := marshalJSON(s.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		UPDATE workflow_steps SET status = $2, output = $3, error = $4
		WHERE id = $1
	`, s.ID, string(s.Status), outputJSON, s.Error)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	return nil
}

// ListDuePoll returns workflows in `waiting` whose next_check_at has
// elapsed and whose current step is wait_poll.
func (r *WorkflowRepo) ListDuePoll(ctx context.Context, now time.Time) ([]*models.Workflow, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT w.id, w.user_id, w.type, w.status, w.current_step, w.state, w.result,
			w.next_check_at, w.conversation_id, w.created_at, w.updated_at, w.completed_at
		FROM workflows w
		JOIN workflow_steps s ON s.workflow_id = w.id AND s.step_index = w.current_step
		WHERE w.status = 'waiting' AND w.next_check_at <= $1 AND s.step_type = 'wait_poll'
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due poll workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due poll workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WebhookRepo persists WebhookRegistration rows and enforces exactly-once
// inbound consumption via a single conditional UPDATE.
type WebhookRepo struct {
	db *DB
}

// NewWebhookRepo constructs a WebhookRepo.
func NewWebhookRepo(db *DB) *WebhookRepo { return &WebhookRepo{db: db} }

// Create registers a new active webhook for one wait_webhook step.
func (r *WebhookRepo) Create(ctx context.Context, reg *models.WebhookRegistration) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO webhook_registrations (id, workflow_id, step_index, webhook_token, status, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, reg.ID, reg.WorkflowID, reg.StepIndex, reg.WebhookToken, string(models.WebhookActive), nullTime(reg.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create webhook registration: %w", err)
	}
	return nil
}

// Consume resolves a token to its registration and atomically flips it to
// consumed. Returns (nil, nil) if the token is unknown or not active —
// the first caller wins; subsequent callers observe a no-op.
func (r *WebhookRepo) Consume(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		UPDATE webhook_registrations
		SET status = 'consumed'
		WHERE webhook_token = $1 AND status = 'active'
		RETURNING id, workflow_id, step_index, webhook_token, status, expires_at
	`, token)
	var reg models.WebhookRegistration
	var status string
	var expiresAt sql.NullTime
	err := row.Scan(&reg.ID, &reg.WorkflowID, &reg.StepIndex, &reg.WebhookToken, &status, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume webhook: %w", err)
	}
	reg.Status = models.WebhookStatus(status)
	reg.ExpiresAt = timePtr(expiresAt)
	return &reg, nil
}
