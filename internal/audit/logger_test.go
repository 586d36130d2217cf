package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flydesk/flydesk/internal/models"
)

type memRecorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	purged int
}

func (r *memRecorder) Record(_ context.Context, e *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memRecorder) PurgeOlderThan(_ context.Context, days int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged++
	return 0, nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoggerFlushesBufferedEventsOnClose(t *testing.T) {
	repo := &memRecorder{}
	logger := NewLogger(repo, testLog())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		logger.Record(ctx, &models.AuditEvent{Type: models.AuditToolCall, Action: "list_tickets"})
	}
	logger.Close()

	if got := repo.count(); got != 10 {
		t.Fatalf("expected 10 events persisted, got %d", got)
	}
}

func TestLoggerStampsTimestamp(t *testing.T) {
	repo := &memRecorder{}
	logger := NewLogger(repo, testLog())

	logger.Record(context.Background(), &models.AuditEvent{Type: models.AuditMessageSent, Action: "reply"})
	logger.Close()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.events[0].Timestamp.IsZero() {
		t.Fatal("timestamp must be stamped when caller leaves it zero")
	}
}

func TestToolCallAndResultHelpers(t *testing.T) {
	repo := &memRecorder{}
	logger := NewLogger(repo, testLog())

	ctx := context.Background()
	logger.ToolCall(ctx, "u1", "c1", "delete_customer", map[string]any{"id": "42"}, models.RiskDestructive)
	logger.ToolResult(ctx, "u1", "c1", "delete_customer", false, "declined")
	logger.Close()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(repo.events))
	}
	if repo.events[0].Type != models.AuditToolCall || repo.events[0].RiskLevel != models.RiskDestructive {
		t.Errorf("tool call event wrong: %+v", repo.events[0])
	}
	if repo.events[1].Detail["error"] != "declined" {
		t.Errorf("tool result detail wrong: %+v", repo.events[1])
	}
}
