// Package workflow implements the durable workflow engine: persistent
// state machines that survive process restarts and resume on any of five
// trigger kinds (step completion, inbound webhook, poll tick, human input,
// timer).
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// workflowStore is the subset of store.WorkflowRepo the engine needs.
type workflowStore interface {
	Create(ctx context.Context, w *models.Workflow, steps []*models.WorkflowStep) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	ListSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error)
	UpdateState(ctx context.Context, w *models.Workflow) error
	UpdateStep(ctx context.Context, s *models.WorkflowStep) error
	ListDuePoll(ctx context.Context, now time.Time) ([]*models.Workflow, error)
}

// webhookStore is the subset of store.WebhookRepo the engine needs.
type webhookStore interface {
	Create(ctx context.Context, reg *models.WebhookRegistration) error
	Consume(ctx context.Context, token string) (*models.WebhookRegistration, error)
}

// auditor records workflow lifecycle events.
type auditor interface {
	Record(ctx context.Context, e *models.AuditEvent)
}

// Engine owns workflow lifecycle transitions. A workflow is advanced by at
// most one goroutine at a time: every mutation runs under a per-workflow
// lock.
type Engine struct {
	workflows workflowStore
	webhooks  webhookStore
	runner    *StepRunner
	audit     auditor
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires an Engine. runner may be nil; workflows then only move
// through explicit Resume calls without step execution.
func NewEngine(workflows workflowStore, webhooks webhookStore, runner *StepRunner, auditLog auditor, log *slog.Logger) *Engine {
	return &Engine{
		workflows: workflows,
		webhooks:  webhooks,
		runner:    runner,
		audit:     auditLog,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(workflowID string) func() {
	e.mu.Lock()
	l, ok := e.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workflowID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// StepSpec describes one step at workflow creation time.
type StepSpec struct {
	Type  models.StepType
	Input map[string]any
}

// Start creates a workflow in status pending with dense step indexes, and
// registers a webhook token for every wait_webhook step up front so inbound
// callbacks can arrive before the workflow first runs. Returns the workflow
// and the created registrations (empty when no step waits on a webhook).
func (e *Engine) Start(ctx context.Context, wfType, userID, conversationID string, params map[string]any, specs []StepSpec) (*models.Workflow, []*models.WebhookRegistration, error) {
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("workflow %q has no steps", wfType)
	}

	w := &models.Workflow{
		Type:           wfType,
		UserID:         userID,
		ConversationID: conversationID,
		Status:         models.WorkflowPending,
		State:          map[string]any{"params": params},
	}
	steps := make([]*models.WorkflowStep, 0, len(specs))
	for i, spec := range specs {
		steps = append(steps, &models.WorkflowStep{
			StepIndex: i,
			StepType:  spec.Type,
			Status:    models.StepPending,
			Input:     spec.Input,
		})
	}
	if err := e.workflows.Create(ctx, w, steps); err != nil {
		return nil, nil, err
	}

	var regs []*models.WebhookRegistration
	for _, step := range steps {
		if step.StepType != models.StepWaitWebhook {
			continue
		}
		token, err := newWebhookToken()
		if err != nil {
			return nil, nil, err
		}
		reg := &models.WebhookRegistration{
			WorkflowID:   w.ID,
			StepIndex:    step.StepIndex,
			WebhookToken: token,
			Status:       models.WebhookActive,
		}
		if err := e.webhooks.Create(ctx, reg); err != nil {
			return nil, nil, fmt.Errorf("register webhook for step %d: %w", step.StepIndex, err)
		}
		regs = append(regs, reg)
	}

	e.audit.Record(ctx, &models.AuditEvent{
		Type:   models.AuditWorkflowStart,
		UserID: userID,
		Action: wfType,
		Detail: map[string]any{"workflow_id": w.ID, "steps": len(steps)},
	})
	return w, regs, nil
}

// Resume moves a pending or waiting workflow to running, merging the
// trigger payload into state under trigger_<current_step>, and checkpoints.
// Idempotent on non-resumable statuses: resuming a running or terminal
// workflow is a no-op.
func (e *Engine) Resume(ctx context.Context, workflowID string, trigger models.Trigger) error {
	unlock := e.lock(workflowID)
	defer unlock()

	w, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if w.Status != models.WorkflowPending && w.Status != models.WorkflowWaiting {
		return nil
	}

	w.Status = models.WorkflowRunning
	if w.State == nil {
		w.State = map[string]any{}
	}
	if trigger.Payload != nil {
		w.State[fmt.Sprintf("trigger_%d", w.CurrentStep)] = trigger.Payload
	}
	if err := e.workflows.UpdateState(ctx, w); err != nil {
		return err
	}

	e.audit.Record(ctx, &models.AuditEvent{
		Type:   models.AuditWorkflowResume,
		UserID: w.UserID,
		Action: w.Type,
		Detail: map[string]any{"workflow_id": w.ID, "trigger": string(trigger.Type), "step": w.CurrentStep},
	})

	if e.runner != nil {
		return e.advanceLocked(ctx, w, trigger)
	}
	return nil
}

// Cancel moves a workflow to cancelled. Terminal workflows stay terminal.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	unlock := e.lock(workflowID)
	defer unlock()

	w, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if w.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	w.Status = models.WorkflowCancelled
	w.CompletedAt = &now
	return e.workflows.UpdateState(ctx, w)
}

// GetStatus returns the workflow's read-model, or nil when unknown.
func (e *Engine) GetStatus(ctx context.Context, workflowID string) (*models.WorkflowStatusView, error) {
	w, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	steps, err := e.workflows.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &models.WorkflowStatusView{
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		TotalSteps:  len(steps),
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		CompletedAt: w.CompletedAt,
		Error:       w.Error,
	}, nil
}

// HandleInboundWebhook consumes a webhook token exactly once and resumes
// its workflow. Returns ErrUnknownToken for unknown, consumed, or expired
// tokens.
func (e *Engine) HandleInboundWebhook(ctx context.Context, token string, payload map[string]any) error {
	reg, err := e.webhooks.Consume(ctx, token)
	if err != nil {
		return err
	}
	if reg == nil {
		return ErrUnknownToken
	}
	e.audit.Record(ctx, &models.AuditEvent{
		Type:   models.AuditWebhookConsume,
		Action: "webhook",
		Detail: map[string]any{"workflow_id": reg.WorkflowID, "step": reg.StepIndex},
	})
	return e.Resume(ctx, reg.WorkflowID, models.Trigger{
		Type:      models.TriggerWebhook,
		StepIndex: reg.StepIndex,
		Payload:   payload,
	})
}

// ErrUnknownToken is returned for webhook tokens that do not resolve to an
// active registration; the HTTP layer maps it to 404.
var ErrUnknownToken = fmt.Errorf("unknown webhook token")
