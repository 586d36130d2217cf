package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
)

// memStore is an in-memory workflowStore + webhookStore.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	steps     map[string][]*models.WorkflowStep
	webhooks  map[string]*models.WebhookRegistration // by token
}

func newMemStore() *memStore {
	return &memStore{
		workflows: map[string]*models.Workflow{},
		steps:     map[string][]*models.WorkflowStep{},
		webhooks:  map[string]*models.WebhookRegistration{},
	}
}

func (s *memStore) Create(_ context.Context, w *models.Workflow, steps []*models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	copied := *w
	s.workflows[w.ID] = &copied
	for i, step := range steps {
		step.WorkflowID = w.ID
		step.StepIndex = i
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		stepCopy := *step
		s.steps[w.ID] = append(s.steps[w.ID], &stepCopy)
	}
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	copied := *w
	return &copied, nil
}

func (s *memStore) ListSteps(_ context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowStep
	for _, step := range s.steps[workflowID] {
		copied := *step
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) UpdateState(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.UpdatedAt = time.Now().UTC()
	copied := *w
	s.workflows[w.ID] = &copied
	return nil
}

func (s *memStore) UpdateStep(_ context.Context, step *models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[step.WorkflowID] {
		if existing.ID == step.ID {
			copied := *step
			s.steps[step.WorkflowID][i] = &copied
			return nil
		}
	}
	return fmt.Errorf("step %s not found", step.ID)
}

func (s *memStore) ListDuePoll(_ context.Context, now time.Time) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.Status != models.WorkflowWaiting || w.NextCheckAt == nil || w.NextCheckAt.After(now) {
			continue
		}
		steps := s.steps[w.ID]
		if w.CurrentStep < len(steps) && steps[w.CurrentStep].StepType == models.StepWaitPoll {
			copied := *w
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) CreateWebhook(_ context.Context, reg *models.WebhookRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	copied := *reg
	s.webhooks[reg.WebhookToken] = &copied
	return nil
}

func (s *memStore) Consume(_ context.Context, token string) (*models.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.webhooks[token]
	if !ok || reg.Status != models.WebhookActive {
		return nil, nil
	}
	reg.Status = models.WebhookConsumed
	copied := *reg
	return &copied, nil
}

// webhookAdapter exposes memStore's webhook half under the engine's
// expected method name.
type webhookAdapter struct{ s *memStore }

func (a webhookAdapter) Create(ctx context.Context, reg *models.WebhookRegistration) error {
	return a.s.CreateWebhook(ctx, reg)
}

func (a webhookAdapter) Consume(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	return a.s.Consume(ctx, token)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, *models.AuditEvent) {}

// recordingInvoker satisfies ToolInvoker and logs calls.
type recordingInvoker struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recordingInvoker) Invoke(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if r.fail {
		return nil, fmt.Errorf("tool %s unavailable", name)
	}
	return map[string]any{"ok": true}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, event string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine(store *memStore, invoker *recordingInvoker, notifier *recordingNotifier) *Engine {
	if invoker == nil {
		invoker = &recordingInvoker{}
	}
	if notifier == nil {
		notifier = &recordingNotifier{}
	}
	runner := NewStepRunner(invoker, nil, notifier, testLogger())
	return NewEngine(store, webhookAdapter{store}, runner, nopAuditor{}, testLogger())
}

func TestStartCreatesPendingWorkflowWithWebhookTokens(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, nil)

	w, regs, err := engine.Start(context.Background(), "vendor_onboard", "u1", "", nil, []StepSpec{
		{Type: models.StepToolCall, Input: map[string]any{"tool": "create_vendor"}},
		{Type: models.StepWaitWebhook},
		{Type: models.StepNotify, Input: map[string]any{"event": "vendor.done"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if w.Status != models.WorkflowPending {
		t.Errorf("expected pending, got %s", w.Status)
	}
	if len(regs) != 1 || regs[0].StepIndex != 1 {
		t.Fatalf("expected one webhook registration for step 1, got %+v", regs)
	}
	if len(regs[0].WebhookToken) < 32 {
		t.Errorf("token too short to be high-entropy: %q", regs[0].WebhookToken)
	}
	steps, _ := store.ListSteps(context.Background(), w.ID)
	for i, step := range steps {
		if step.StepIndex != i {
			t.Errorf("step_index must be dense: step %d has index %d", i, step.StepIndex)
		}
	}
}

func TestWebhookResumeMergesPayloadAndRunsToCompletion(t *testing.T) {
	store := newMemStore()
	invoker := &recordingInvoker{}
	notifier := &recordingNotifier{}
	engine := newTestEngine(store, invoker, notifier)
	ctx := context.Background()

	w, regs, err := engine.Start(ctx, "vendor_onboard", "u1", "", nil, []StepSpec{
		{Type: models.StepToolCall, Input: map[string]any{"tool": "create_vendor"}},
		{Type: models.StepWaitWebhook},
		{Type: models.StepNotify, Input: map[string]any{"event": "vendor.done"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// First resume: runs step 0, parks on the webhook.
	if err := engine.Resume(ctx, w.ID, models.Trigger{Type: models.TriggerStepDone}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.Get(ctx, w.ID)
	if got.Status != models.WorkflowWaiting || got.CurrentStep != 1 {
		t.Fatalf("expected waiting at step 1, got %s at %d", got.Status, got.CurrentStep)
	}

	// Inbound webhook: consumes the token, resumes through to completion.
	if err := engine.HandleInboundWebhook(ctx, regs[0].WebhookToken, map[string]any{"approved": true}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	got, _ = store.Get(ctx, w.ID)
	if got.Status != models.WorkflowCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	trigger, ok := got.State["trigger_1"].(map[string]any)
	if !ok || trigger["approved"] != true {
		t.Errorf("trigger payload not merged into state: %v", got.State)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "vendor.done" {
		t.Errorf("notify step did not run: %v", notifier.events)
	}

	// Completed workflows have all steps completed and current_step == count.
	steps, _ := store.ListSteps(ctx, w.ID)
	if got.CurrentStep != len(steps) {
		t.Errorf("current_step %d != step count %d", got.CurrentStep, len(steps))
	}
	for _, step := range steps {
		if step.Status != models.StepCompleted {
			t.Errorf("step %d not completed: %s", step.StepIndex, step.Status)
		}
	}
}

func TestWebhookExactlyOnce(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, nil)
	ctx := context.Background()

	_, regs, err := engine.Start(ctx, "approval", "u1", "", nil, []StepSpec{
		{Type: models.StepWaitWebhook},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	token := regs[0].WebhookToken

	if err := engine.HandleInboundWebhook(ctx, token, map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := engine.HandleInboundWebhook(ctx, token, map[string]any{"n": float64(2)}); err != ErrUnknownToken {
		t.Fatalf("second delivery must be rejected, got %v", err)
	}
	if err := engine.HandleInboundWebhook(ctx, "no-such-token", nil); err != ErrUnknownToken {
		t.Fatalf("unknown token must be rejected, got %v", err)
	}
}

func TestStepFailureFailsWorkflow(t *testing.T) {
	store := newMemStore()
	invoker := &recordingInvoker{fail: true}
	engine := newTestEngine(store, invoker, nil)
	ctx := context.Background()

	w, _, err := engine.Start(ctx, "doomed", "u1", "", nil, []StepSpec{
		{Type: models.StepToolCall, Input: map[string]any{"tool": "broken"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Resume(ctx, w.ID, models.Trigger{Type: models.TriggerStepDone}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.Get(ctx, w.ID)
	if got.Status != models.WorkflowFailed || got.Error == "" {
		t.Fatalf("expected failed with error, got %s %q", got.Status, got.Error)
	}
	steps, _ := store.ListSteps(ctx, w.ID)
	if steps[0].Status != models.StepFailed {
		t.Errorf("step should be failed, got %s", steps[0].Status)
	}
}

func TestCancelIsTerminalAndSticky(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, nil)
	ctx := context.Background()

	w, _, _ := engine.Start(ctx, "cancellable", "u1", "", nil, []StepSpec{
		{Type: models.StepWaitHuman},
	})
	if err := engine.Cancel(ctx, w.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := store.Get(ctx, w.ID)
	if got.Status != models.WorkflowCancelled || got.CompletedAt == nil {
		t.Fatalf("expected cancelled with completed_at, got %+v", got)
	}

	// Resuming a cancelled workflow is a no-op.
	if err := engine.Resume(ctx, w.ID, models.Trigger{Type: models.TriggerHuman, Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("resume after cancel: %v", err)
	}
	got, _ = store.Get(ctx, w.ID)
	if got.Status != models.WorkflowCancelled {
		t.Errorf("cancelled must be sticky, got %s", got.Status)
	}
}

func TestGetStatusUnknownWorkflowReturnsNil(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil, nil)
	view, err := engine.GetStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view, got %+v", view)
	}
}

func TestSchedulerResumesDuePollWorkflows(t *testing.T) {
	store := newMemStore()
	invoker := &recordingInvoker{}
	engine := newTestEngine(store, invoker, nil)
	ctx := context.Background()

	w, _, err := engine.Start(ctx, "poller", "u1", "", nil, []StepSpec{
		{Type: models.StepWaitPoll, Input: map[string]any{"poll_seconds": float64(1)}},
		{Type: models.StepToolCall, Input: map[string]any{"tool": "after_poll"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// First resume parks on wait_poll with a next_check_at.
	if err := engine.Resume(ctx, w.ID, models.Trigger{Type: models.TriggerStepDone}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.Get(ctx, w.ID)
	if got.Status != models.WorkflowWaiting || got.NextCheckAt == nil {
		t.Fatalf("expected waiting with next_check_at, got %+v", got)
	}

	scheduler := NewScheduler(engine, store, testLogger(), "@every 1h")
	scheduler.tick(ctx, got.NextCheckAt.Add(time.Second))

	got, _ = store.Get(ctx, w.ID)
	if got.Status != models.WorkflowCompleted {
		t.Fatalf("poll tick should have advanced to completion, got %s", got.Status)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != "after_poll" {
		t.Errorf("post-poll step did not run: %v", invoker.calls)
	}
}
