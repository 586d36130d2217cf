package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flydesk/flydesk/internal/models"
)

// InboundEmail is the provider-neutral shape of one received message.
type InboundEmail struct {
	Provider  string
	MessageID string
	From      string
	To        string
	Subject   string
	Text      string
}

// ParseInbound decodes one inbound-email webhook body for the given
// provider tag. Supported providers: resend, ses, sendgrid.
func ParseInbound(provider string, body []byte) (*InboundEmail, error) {
	switch provider {
	case "resend":
		return parseResend(body)
	case "ses":
		return parseSES(body)
	case "sendgrid":
		return parseSendgrid(body)
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}

func parseResend(body []byte) (*InboundEmail, error) {
	var payload struct {
		Type string `json:"type"`
		Data struct {
			EmailID string   `json:"email_id"`
			From    string   `json:"from"`
			To      []string `json:"to"`
			Subject string   `json:"subject"`
			Text    string   `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode resend payload: %w", err)
	}
	return &InboundEmail{
		Provider:  "resend",
		MessageID: payload.Data.EmailID,
		From:      payload.Data.From,
		To:        strings.Join(payload.Data.To, ","),
		Subject:   payload.Data.Subject,
		Text:      payload.Data.Text,
	}, nil
}

func parseSES(body []byte) (*InboundEmail, error) {
	// SNS-wrapped SES notification: the mail headers live under
	// Message.mail, the body is delivered separately via S3 action or
	// inline content; only the header summary is core here.
	var envelope struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode ses envelope: %w", err)
	}
	raw := envelope.Message
	if raw == "" {
		raw = string(body)
	}
	var payload struct {
		Mail struct {
			MessageID     string   `json:"messageId"`
			Source        string   `json:"source"`
			Destination   []string `json:"destination"`
			CommonHeaders struct {
				Subject string `json:"subject"`
			} `json:"commonHeaders"`
		} `json:"mail"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode ses payload: %w", err)
	}
	return &InboundEmail{
		Provider:  "ses",
		MessageID: payload.Mail.MessageID,
		From:      payload.Mail.Source,
		To:        strings.Join(payload.Mail.Destination, ","),
		Subject:   payload.Mail.CommonHeaders.Subject,
		Text:      payload.Content,
	}, nil
}

func parseSendgrid(body []byte) (*InboundEmail, error) {
	var payload struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode sendgrid payload: %w", err)
	}
	return &InboundEmail{
		Provider: "sendgrid",
		From:     payload.From,
		To:       payload.To,
		Subject:  payload.Subject,
		Text:     payload.Text,
	}, nil
}

// EmailSender delivers one outbound message. Implementations wrap a
// provider API; tests use a recording fake.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailAdapter bridges agent events onto an email channel: it buffers token
// deltas and sends one message per completed turn.
type EmailAdapter struct {
	sender EmailSender

	mu      sync.Mutex
	pending map[string]*strings.Builder // turn_id -> accumulated text
	address func(userID string) (string, bool)
}

// NewEmailAdapter constructs an EmailAdapter. address resolves a user ID to
// their delivery address; users without one are skipped.
func NewEmailAdapter(sender EmailSender, address func(userID string) (string, bool)) *EmailAdapter {
	return &EmailAdapter{
		sender:  sender,
		pending: make(map[string]*strings.Builder),
		address: address,
	}
}

// Name returns the channel tag.
func (a *EmailAdapter) Name() string { return "email" }

// Deliver accumulates token deltas per turn and flushes the full text as
// one email when the turn's done event arrives. Non-text events are
// dropped: email has no rendering for widgets or tool progress.
func (a *EmailAdapter) Deliver(ctx context.Context, userID string, e models.AgentEvent) error {
	switch e.Type {
	case models.EventToken:
		a.mu.Lock()
		b, ok := a.pending[e.TurnID]
		if !ok {
			b = &strings.Builder{}
			a.pending[e.TurnID] = b
		}
		b.WriteString(e.Token.Delta)
		a.mu.Unlock()
		return nil
	case models.EventDone:
		a.mu.Lock()
		b := a.pending[e.TurnID]
		delete(a.pending, e.TurnID)
		a.mu.Unlock()
		if b == nil || b.Len() == 0 {
			return nil
		}
		to, ok := a.address(userID)
		if !ok {
			return nil
		}
		return a.sender.Send(ctx, to, "Firefly Desk reply", b.String())
	default:
		return nil
	}
}
