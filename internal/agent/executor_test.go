package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flydesk/flydesk/internal/channel"
	appctx "github.com/flydesk/flydesk/internal/context"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/tools"
)

// scriptedProvider replays a fixed sequence of chunk rounds, one per
// Complete call, and records every request it receives.
type scriptedProvider struct {
	mu     sync.Mutex
	rounds [][]llm.Chunk
	call   int
	reqs   []llm.CompletionRequest
	err    error
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []llm.Model { return []llm.Model{{ID: "fake-model"}} }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.reqs = append(p.reqs, req)
	round := p.rounds[len(p.reqs)-1]
	ch := make(chan llm.Chunk, len(round)+1)
	for _, c := range round {
		ch <- c
	}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	appended []*models.Message
}

func (s *fakeMessageStore) Append(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.CreatedAt = time.Now().UTC()
	s.appended = append(s.appended, m)
	return nil
}

func (s *fakeMessageStore) ListByConversation(_ context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.appended {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeConversationStore struct{ increments int }

func (s *fakeConversationStore) IncrementMessageCount(context.Context, string) error {
	s.increments++
	return nil
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *fakeAuditor) Record(_ context.Context, e *models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *fakeAuditor) ToolCall(ctx context.Context, userID, conversationID, toolName string, args map[string]any, risk models.RiskLevel) {
	a.Record(ctx, &models.AuditEvent{Type: models.AuditToolCall, Action: toolName, RiskLevel: risk})
}

func (a *fakeAuditor) ToolResult(ctx context.Context, userID, conversationID, toolName string, success bool, errMsg string) {
	a.Record(ctx, &models.AuditEvent{Type: models.AuditToolResult, Action: toolName})
}

// echoTool answers every call with a fixed JSON payload and optionally
// carries catalog risk metadata.
type echoTool struct {
	name string
	risk models.RiskLevel
}

func (t *echoTool) Name() string                  { return t.name }
func (t *echoTool) Description() string           { return "echoes" }
func (t *echoTool) Schema() json.RawMessage       { return json.RawMessage(`{}`) }
func (t *echoTool) RiskLevel() models.RiskLevel   { return t.risk }
func (t *echoTool) SystemID() string              { return "" }
func (t *echoTool) RequiredPermissions() []string { return nil }
func (t *echoTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: `{"echoed": true}`}, nil
}

func newTestExecutor(provider llm.Provider, registry *tools.Registry, msgs *fakeMessageStore, confirms *ConfirmBroker) *Executor {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if confirms == nil {
		confirms = NewConfirmBroker()
	}
	return NewExecutor(
		msgs,
		&fakeConversationStore{},
		nil,
		appctx.NewEnricher("", 256),
		nil,
		registry,
		llm.NewRegistry(provider),
		&fakeAuditor{},
		confirms,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options{DefaultModel: "fake-model"},
	)
}

func testUser() *models.UserContext {
	return &models.UserContext{UserID: "u1", Permissions: []string{"*"}}
}

func TestRunSimpleChatStreamsTokensThenDone(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{Text: "Hi"}, {Text: "!"}},
	}}
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, nil, msgs, nil)
	sink := channel.NewRecordingSink()

	err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "Hello"}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	types := sink.Types()
	want := []models.AgentEventType{models.EventToken, models.EventToken, models.EventDone}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	if len(msgs.appended) != 2 {
		t.Fatalf("expected user + assistant messages persisted, got %d", len(msgs.appended))
	}
	if msgs.appended[1].Role != models.RoleAssistant || msgs.appended[1].Content != "Hi!" {
		t.Errorf("unexpected assistant message: %+v", msgs.appended[1])
	}
}

func TestRunToolCallFeedsResultBack(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "call-1", Name: "echo", Arguments: `{"q": "x"}`}}},
		{{Text: "done"}},
	}}
	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "echo", risk: models.RiskRead})
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, registry, msgs, nil)
	sink := channel.NewRecordingSink()

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "use the tool"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	var sawStart, sawEnd bool
	for _, e := range sink.Events() {
		switch e.Type {
		case models.EventToolStart:
			sawStart = true
		case models.EventToolEnd:
			sawEnd = true
			if !e.Tool.Success {
				t.Errorf("tool should have succeeded: %+v", e.Tool)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("missing tool events: %v", sink.Types())
	}

	// The second request must carry the tool result as a tool-role message.
	if len(provider.reqs) != 2 {
		t.Fatalf("expected 2 LLM rounds, got %d", len(provider.reqs))
	}
	last := provider.reqs[1].Messages[len(provider.reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Errorf("tool result not fed back: %+v", last)
	}
}

func TestRunHighRiskToolWaitsForConfirmation(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "call-1", Name: "drop_db", Arguments: `{}`}}},
		{{Text: "done"}},
	}}
	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "drop_db", risk: models.RiskDestructive})
	confirms := NewConfirmBroker()
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, registry, msgs, confirms)

	recorder := channel.NewRecordingSink()
	approve := channel.NewCallbackSink(func(_ context.Context, e models.AgentEvent) {
		if e.Type == models.EventConfirmation {
			go confirms.Resolve(e.Confirm.WidgetID, true)
		}
	})
	sink := channel.NewMultiSink(recorder, approve)

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "drop it"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	types := recorder.Types()
	var confirmAt, endAt = -1, -1
	for i, typ := range types {
		switch typ {
		case models.EventConfirmation:
			confirmAt = i
		case models.EventToolEnd:
			endAt = i
		}
	}
	if confirmAt == -1 || endAt == -1 || confirmAt > endAt {
		t.Fatalf("confirmation must precede tool execution: %v", types)
	}
}

func TestRunDeclinedConfirmationSkipsTool(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "call-1", Name: "drop_db", Arguments: `{}`}}},
		{{Text: "understood"}},
	}}
	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "drop_db", risk: models.RiskHighWrite})
	confirms := NewConfirmBroker()
	exec := newTestExecutor(provider, registry, &fakeMessageStore{}, confirms)

	decline := channel.NewCallbackSink(func(_ context.Context, e models.AgentEvent) {
		if e.Type == models.EventConfirmation {
			go confirms.Resolve(e.Confirm.WidgetID, false)
		}
	})

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "drop it"}, decline); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Declined call feeds a structured refusal back to the model.
	last := provider.reqs[1].Messages[len(provider.reqs[1].Messages)-1]
	if last.Role != "tool" {
		t.Fatalf("expected tool-role refusal message, got %+v", last)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(last.Content), &payload); err != nil {
		t.Fatalf("refusal not JSON: %q", last.Content)
	}
	if success, _ := payload["success"].(bool); success {
		t.Errorf("refusal should carry success=false: %v", payload)
	}
}

func TestRunUnknownToolAbortsTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "call-1", Name: "nope", Arguments: `{}`}}},
	}}
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, nil, msgs, nil)
	sink := channel.NewRecordingSink()

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "hi"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	types := sink.Types()
	if types[len(types)-1] != models.EventDone {
		t.Fatalf("done must be last even on error: %v", types)
	}
	var sawError bool
	for _, e := range sink.Events() {
		if e.Type == models.EventError && e.ErrorInfo.Taxonomy == "unknown_tool" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected unknown_tool error event: %v", types)
	}
	// Only the user message persists; the turn aborted before a reply.
	if len(msgs.appended) != 1 {
		t.Errorf("expected only the user message persisted, got %d", len(msgs.appended))
	}
}

func TestRunTransportErrorEmitsErrorThenDone(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("connection refused")}
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, nil, msgs, nil)
	sink := channel.NewRecordingSink()

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "hi"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	types := sink.Types()
	if len(types) < 2 || types[len(types)-2] != models.EventError || types[len(types)-1] != models.EventDone {
		t.Fatalf("expected error then done, got %v", types)
	}
	if len(msgs.appended) != 1 {
		t.Errorf("no assistant message may persist on transport error, got %d messages", len(msgs.appended))
	}
}

func TestRunToolCapTerminatesWithError(t *testing.T) {
	// Every round issues another tool call; the cap must end the loop.
	rounds := make([][]llm.Chunk, 12)
	for i := range rounds {
		rounds[i] = []llm.Chunk{{ToolCall: &llm.ToolCall{ID: "c", Name: "echo", Arguments: `{}`}}}
	}
	provider := &scriptedProvider{rounds: rounds}
	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "echo", risk: models.RiskRead})
	exec := newTestExecutor(provider, registry, &fakeMessageStore{}, nil)
	exec.opts.MaxToolsPerTurn = 3
	sink := channel.NewRecordingSink()

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "loop"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	var sawLimit bool
	for _, e := range sink.Events() {
		if e.Type == models.EventError && e.ErrorInfo.Taxonomy == "limit_exceeded" {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatalf("expected limit_exceeded error: %v", sink.Types())
	}
}

func TestRunWidgetDirectiveEmittedAndStripped(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]llm.Chunk{
		{{Text: "Here:\n:::widget{type=\"table\"}\n{\"rows\": []}\n:::\nDone."}},
	}}
	msgs := &fakeMessageStore{}
	exec := newTestExecutor(provider, nil, msgs, nil)
	sink := channel.NewRecordingSink()

	if err := exec.Run(context.Background(), TurnRequest{ConversationID: "c1", User: testUser(), Content: "table please"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	var widget *models.WidgetPayload
	for _, e := range sink.Events() {
		if e.Type == models.EventWidget {
			widget = e.Widget
		}
	}
	if widget == nil || widget.Type != "table" {
		t.Fatalf("expected widget event, got %v", sink.Types())
	}
	assistant := msgs.appended[1]
	if assistant.Role != models.RoleAssistant {
		t.Fatalf("expected assistant message second, got %s", assistant.Role)
	}
	if strings.Contains(assistant.Content, ":::widget") {
		t.Errorf("persisted content must have directives stripped: %q", assistant.Content)
	}
}
