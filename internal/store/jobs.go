package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// JobRepo persists background Job rows for the job runner.
// Grounded on internal/jobs/cockroach.go's scan/nullTime helper pattern.
type JobRepo struct {
	db *DB
}

// NewJobRepo constructs a JobRepo.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

// Create inserts a pending job.
func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := marshalJSON(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, progress_pct, progress_message, result, error, payload, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, j.ID, j.Type, string(j.Status), j.ProgressPct, j.ProgressMessage, nil, nullString(j.Error),
		payloadJSON, j.CreatedAt, nullTime(j.StartedAt), nullTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateProgress sets progress fields on a non-terminal job. The job runner
// enforces monotonic progress before calling this.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, pct int, message string) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE jobs SET progress_pct = $2, progress_message = $3
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')
	`, id, pct, message)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Transition updates status (and result/error on terminal transitions).
// Terminal statuses are sticky: this only writes when the current status is
// not already terminal.
func (r *JobRepo) Transition(ctx context.Context, j *models.Job) error {
	resultJSON, err := marshalJSON(j.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = $4, started_at = $5, finished_at = $6
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')
	`, j.ID, string(j.Status), resultJSON, nullString(j.Error), nullTime(j.StartedAt), nullTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, type, status, progress_pct, progress_message, result, error, payload, created_at, started_at, finished_at
		FROM jobs WHERE id = $1
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListByType returns the most recent jobs of a given type, most recent
// first, capped at limit. Used by the process-search built-in tool to
// surface process_discovery results.
func (r *JobRepo) ListByType(ctx context.Context, jobType string, limit int) ([]*models.Job, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, type, status, progress_pct, progress_message, result, error, payload, created_at, started_at, finished_at
		FROM jobs WHERE type = $1 ORDER BY created_at DESC LIMIT $2
	`, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by type: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(scanner interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var status string
	var resultBytes, payloadBytes []byte
	var errStr sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := scanner.Scan(&j.ID, &j.Type, &status, &j.ProgressPct, &j.ProgressMessage,
		&resultBytes, &errStr, &payloadBytes, &j.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Error = errStr.String
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	if result, err := unmarshalJSONMap(resultBytes); err == nil {
		j.Result = result
	}
	if payload, err := unmarshalJSONMap(payloadBytes); err == nil {
		j.Payload = payload
	}
	return &j, nil
}
