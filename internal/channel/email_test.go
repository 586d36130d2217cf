package channel

import (
	"context"
	"sync"
	"testing"

	"github.com/flydesk/flydesk/internal/models"
)

func TestParseInboundResend(t *testing.T) {
	body := []byte(`{"type":"email.received","data":{"email_id":"e1","from":"a@example.com","to":["desk@example.com"],"subject":"Help","text":"My laptop broke"}}`)
	email, err := ParseInbound("resend", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if email.From != "a@example.com" || email.Subject != "Help" || email.Text != "My laptop broke" {
		t.Errorf("unexpected email: %+v", email)
	}
}

func TestParseInboundSendgrid(t *testing.T) {
	body := []byte(`{"from":"b@example.com","to":"desk@example.com","subject":"Hi","text":"question"}`)
	email, err := ParseInbound("sendgrid", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if email.From != "b@example.com" || email.Text != "question" {
		t.Errorf("unexpected email: %+v", email)
	}
}

func TestParseInboundUnknownProvider(t *testing.T) {
	if _, err := ParseInbound("pigeon", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

type recordingSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *recordingSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, to+"|"+body)
	return nil
}

func TestEmailAdapterBuffersUntilDone(t *testing.T) {
	sender := &recordingSender{}
	adapter := NewEmailAdapter(sender, func(userID string) (string, bool) {
		return userID + "@example.com", true
	})
	ctx := context.Background()

	_ = adapter.Deliver(ctx, "u1", models.AgentEvent{Type: models.EventToken, TurnID: "t1", Token: &models.TokenPayload{Delta: "Hello "}})
	_ = adapter.Deliver(ctx, "u1", models.AgentEvent{Type: models.EventToken, TurnID: "t1", Token: &models.TokenPayload{Delta: "there"}})
	if len(sender.sends) != 0 {
		t.Fatal("nothing should send before done")
	}
	_ = adapter.Deliver(ctx, "u1", models.AgentEvent{Type: models.EventDone, TurnID: "t1"})

	if len(sender.sends) != 1 || sender.sends[0] != "u1@example.com|Hello there" {
		t.Fatalf("unexpected sends: %v", sender.sends)
	}
}
