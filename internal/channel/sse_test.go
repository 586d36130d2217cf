package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flydesk/flydesk/internal/models"
)

func TestSSESinkWritesFramesInOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	ctx := context.Background()
	sink.Emit(ctx, models.AgentEvent{Type: models.EventToken, TurnID: "t1", Token: &models.TokenPayload{Delta: "Hi"}})
	sink.Emit(ctx, models.AgentEvent{Type: models.EventToken, TurnID: "t1", Token: &models.TokenPayload{Delta: "!"}})
	sink.Emit(ctx, models.AgentEvent{Type: models.EventDone, TurnID: "t1"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: %q", ct)
	}
	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %q", len(frames), body)
	}
	if !strings.HasPrefix(frames[0], "event: token\ndata: ") {
		t.Errorf("frame 0 malformed: %q", frames[0])
	}
	if !strings.Contains(frames[0], `"delta":"Hi"`) {
		t.Errorf("frame 0 missing delta: %q", frames[0])
	}
	if !strings.HasPrefix(frames[2], "event: done\n") {
		t.Errorf("done must be the last frame: %q", frames[2])
	}
}

func TestRecordingSinkPreservesOrder(t *testing.T) {
	sink := NewRecordingSink()
	ctx := context.Background()
	sink.Emit(ctx, models.AgentEvent{Type: models.EventRouting})
	sink.Emit(ctx, models.AgentEvent{Type: models.EventToken})
	sink.Emit(ctx, models.AgentEvent{Type: models.EventDone})

	types := sink.Types()
	want := []models.AgentEventType{models.EventRouting, models.EventToken, models.EventDone}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("order broken: %v", types)
		}
	}
}

func TestEventDataShapesPerType(t *testing.T) {
	confirm := EventData(models.AgentEvent{
		Type:    models.EventConfirmation,
		TurnID:  "t1",
		Confirm: &models.ConfirmationPayload{WidgetID: "w1", CallID: "c1", Action: "delete_customer"},
	})
	if confirm["widget_id"] != "w1" || confirm["action"] != "delete_customer" {
		t.Errorf("confirmation shape wrong: %v", confirm)
	}

	routing := EventData(models.AgentEvent{
		Type:    models.EventRouting,
		Routing: &models.RoutingPayload{Tier: models.TierFast, Model: "m-fast", Confidence: 0.9},
	})
	if routing["tier"] != "fast" || routing["model"] != "m-fast" {
		t.Errorf("routing shape wrong: %v", routing)
	}
}
