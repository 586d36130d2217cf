package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/workflow"
)

// fakeWorkflowStore backs an engine with one in-memory workflow.
type fakeWorkflowStore struct {
	mu sync.Mutex
	w  *models.Workflow
}

func (s *fakeWorkflowStore) Create(_ context.Context, w *models.Workflow, steps []*models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
	return nil
}

func (s *fakeWorkflowStore) Get(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.w.ID != id {
		return nil, nil
	}
	copied := *s.w
	return &copied, nil
}

func (s *fakeWorkflowStore) ListSteps(context.Context, string) ([]*models.WorkflowStep, error) {
	return nil, nil
}

func (s *fakeWorkflowStore) UpdateState(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *w
	s.w = &copied
	return nil
}

func (s *fakeWorkflowStore) UpdateStep(context.Context, *models.WorkflowStep) error { return nil }

func (s *fakeWorkflowStore) ListDuePoll(context.Context, time.Time) ([]*models.Workflow, error) {
	return nil, nil
}

// fakeWebhookStore holds one consumable registration.
type fakeWebhookStore struct {
	mu  sync.Mutex
	reg *models.WebhookRegistration
}

func (s *fakeWebhookStore) Create(_ context.Context, reg *models.WebhookRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
	return nil
}

func (s *fakeWebhookStore) Consume(_ context.Context, token string) (*models.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil || s.reg.WebhookToken != token || s.reg.Status != models.WebhookActive {
		return nil, nil
	}
	s.reg.Status = models.WebhookConsumed
	copied := *s.reg
	return &copied, nil
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, *models.AuditEvent) {}

func webhookTestServer(t *testing.T) (http.Handler, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws := &fakeWorkflowStore{
		w: &models.Workflow{ID: "w1", Status: models.WorkflowPending, State: map[string]any{}},
	}
	hs := &fakeWebhookStore{
		reg: &models.WebhookRegistration{
			WorkflowID:   "w1",
			StepIndex:    1,
			WebhookToken: "tok-1234",
			Status:       models.WebhookActive,
		},
	}
	engine := workflow.NewEngine(ws, hs, nil, nopAuditor{}, log)
	server := NewServer(Deps{Log: log, Engine: engine})
	return server.Routes(), "tok-1234"
}

func TestInboundWebhookConsumedExactlyOnce(t *testing.T) {
	handler, token := webhookTestServer(t)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/webhooks/"+token, strings.NewReader(`{"approved":true}`)))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d (%s)", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/webhooks/"+token, strings.NewReader(`{"approved":true}`)))
	if second.Code != http.StatusNotFound {
		t.Fatalf("second delivery: expected 404, got %d", second.Code)
	}
}

func TestInboundWebhookUnknownTokenIs404(t *testing.T) {
	handler, _ := webhookTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/never-issued", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInboundEmailAcceptedWith202(t *testing.T) {
	handler, _ := webhookTestServer(t)

	body := `{"from":"a@example.com","to":"desk@example.com","subject":"hi","text":"help"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/email/inbound/sendgrid", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestInboundEmailUnknownProviderIs404(t *testing.T) {
	handler, _ := webhookTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/email/inbound/fax", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimiterBlocksAfterBudget(t *testing.T) {
	l := newRateLimiter(2)
	if !l.allow("u1") || !l.allow("u1") {
		t.Fatal("first two requests should pass")
	}
	if l.allow("u1") {
		t.Fatal("third request in the window must be limited")
	}
	if !l.allow("u2") {
		t.Fatal("limits are per user")
	}
}
