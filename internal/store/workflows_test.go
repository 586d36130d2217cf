package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/flydesk/flydesk/internal/models"
)

func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return &DB{sql: raw}, mock
}

func TestWebhookConsumeIsConditionalOnActiveStatus(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewWebhookRepo(db)

	rows := sqlmock.NewRows([]string{"id", "workflow_id", "step_index", "webhook_token", "status", "expires_at"}).
		AddRow("r1", "w1", 1, "tok", "consumed", nil)
	mock.ExpectQuery(`UPDATE webhook_registrations\s+SET status = 'consumed'\s+WHERE webhook_token = \$1 AND status = 'active'`).
		WithArgs("tok").
		WillReturnRows(rows)

	reg, err := repo.Consume(context.Background(), "tok")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if reg == nil || reg.WorkflowID != "w1" || reg.StepIndex != 1 {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWebhookConsumeAlreadyConsumedReturnsNil(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewWebhookRepo(db)

	// The conditional UPDATE matches no rows the second time.
	mock.ExpectQuery(`UPDATE webhook_registrations`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workflow_id", "step_index", "webhook_token", "status", "expires_at"}))

	reg, err := repo.Consume(context.Background(), "tok")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if reg != nil {
		t.Fatalf("expected nil for non-active token, got %+v", reg)
	}
}

func TestJobTransitionExcludesTerminalStatuses(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectExec(`UPDATE jobs SET status = \$2.*WHERE id = \$1 AND status NOT IN \('completed','failed','cancelled'\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Transition(context.Background(), &models.Job{ID: "j1", Status: models.JobCompleted})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestJobProgressWriteSkipsTerminalRows(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectExec(`UPDATE jobs SET progress_pct = \$2.*status NOT IN \('completed','failed','cancelled'\)`).
		WithArgs("j1", 40, "indexing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateProgress(context.Background(), "j1", 40, "indexing"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWorkflowCreatePersistsDenseStepIndexes(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewWorkflowRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO workflows`).WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO workflow_steps`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	steps := []*models.WorkflowStep{
		{StepType: models.StepToolCall, Status: models.StepPending},
		{StepType: models.StepWaitWebhook, Status: models.StepPending},
		{StepType: models.StepNotify, Status: models.StepPending},
	}
	w := &models.Workflow{UserID: "u1", Type: "t", Status: models.WorkflowPending}
	if err := repo.Create(context.Background(), w, steps); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, step := range steps {
		if step.StepIndex != i {
			t.Errorf("step %d assigned index %d", i, step.StepIndex)
		}
		if step.WorkflowID != w.ID {
			t.Errorf("step %d not bound to workflow", i)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
