// Package agent runs one user turn to completion: persist, route, enrich,
// stream the model, execute tool calls (with confirmation gates on
// high-risk actions), parse widget directives, and emit ordered events to
// the turn's sink.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/channel"
	appctx "github.com/flydesk/flydesk/internal/context"
	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/router"
	"github.com/flydesk/flydesk/internal/tools"
)

// messageStore is the subset of store.MessageRepo the executor needs.
type messageStore interface {
	Append(ctx context.Context, m *models.Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// conversationStore is the subset of store.ConversationRepo the executor needs.
type conversationStore interface {
	IncrementMessageCount(ctx context.Context, id string) error
}

// modelRouter abstracts router.Router for tests.
type modelRouter interface {
	Route(ctx context.Context, message string, toolCount int, toolNames []string, turnCount int) (*router.Decision, error)
}

// retriever abstracts knowledge.Retriever for tests.
type retriever interface {
	Search(ctx context.Context, query string, topK int, tagFilter []string) ([]knowledge.Hit, error)
}

// auditor is the subset of audit.Logger the executor needs.
type auditor interface {
	Record(ctx context.Context, e *models.AuditEvent)
	ToolCall(ctx context.Context, userID, conversationID, toolName string, args map[string]any, risk models.RiskLevel)
	ToolResult(ctx context.Context, userID, conversationID, toolName string, success bool, errMsg string)
}

// Options bound a turn's resource use.
type Options struct {
	DefaultModel    string
	MaxToolsPerTurn int
	TurnTimeout     time.Duration
	RetrievalTopK   int
	MaxTokens       int
}

func (o *Options) applyDefaults() {
	if o.MaxToolsPerTurn <= 0 {
		o.MaxToolsPerTurn = 10
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 2 * time.Minute
	}
	if o.RetrievalTopK <= 0 {
		o.RetrievalTopK = 5
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
}

// Executor orchestrates agent turns. One Executor serves all conversations;
// turns on the same conversation are serialized, turns on different
// conversations proceed in parallel.
type Executor struct {
	messages      messageStore
	conversations conversationStore
	router        modelRouter
	enricher      *appctx.Enricher
	retriever     retriever
	registry      *tools.Registry
	llms          *llm.Registry
	audit         auditor
	confirms      *ConfirmBroker
	log           *slog.Logger
	opts          Options

	locks *conversationLocks
}

// NewExecutor wires an Executor. router and retriever may be nil (routing
// disabled, no knowledge section).
func NewExecutor(
	messages messageStore,
	conversations conversationStore,
	modelRouter modelRouter,
	enricher *appctx.Enricher,
	retriever retriever,
	registry *tools.Registry,
	llms *llm.Registry,
	auditLog auditor,
	confirms *ConfirmBroker,
	log *slog.Logger,
	opts Options,
) *Executor {
	opts.applyDefaults()
	return &Executor{
		messages:      messages,
		conversations: conversations,
		router:        modelRouter,
		enricher:      enricher,
		retriever:     retriever,
		registry:      registry,
		llms:          llms,
		audit:         auditLog,
		confirms:      confirms,
		log:           log,
		opts:          opts,
		locks:         newConversationLocks(),
	}
}

// TurnRequest is one user message to process.
type TurnRequest struct {
	ConversationID string
	User           *models.UserContext
	Content        string
	ModelOverride  string
	FileContext    []string
}

// turn carries one in-flight turn's emission state.
type turn struct {
	id   string
	sink channel.EventSink
	seq  atomic.Uint64
}

func (t *turn) emit(ctx context.Context, e models.AgentEvent) {
	e.TurnID = t.id
	e.Time = time.Now().UTC()
	e.Sequence = t.seq.Add(1)
	t.sink.Emit(ctx, e)
}

// Run executes one turn. The done event is always the last emission, even
// when the turn errors. The returned error covers persistence failures
// (user message, history load, assistant reply) only; in-stream failures
// are reported as error events.
func (e *Executor) Run(ctx context.Context, req TurnRequest, sink channel.EventSink) error {
	release := e.locks.acquire(req.ConversationID)
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.opts.TurnTimeout)
	defer cancel()

	t := &turn{id: uuid.NewString(), sink: sink}
	defer t.emit(ctx, models.AgentEvent{Type: models.EventDone})

	userMsg := &models.Message{
		ConversationID: req.ConversationID,
		Role:           models.RoleUser,
		Content:        req.Content,
		TurnID:         t.id,
	}
	if err := e.messages.Append(ctx, userMsg); err != nil {
		t.emit(ctx, errorEvent("persistence", "could not record message"))
		return fmt.Errorf("append user message: %w", err)
	}
	if err := e.conversations.IncrementMessageCount(ctx, req.ConversationID); err != nil {
		e.log.Warn("increment message count", "conversation", req.ConversationID, "error", err)
	}

	history, err := e.messages.ListByConversation(ctx, req.ConversationID)
	if err != nil {
		t.emit(ctx, errorEvent("persistence", "could not load history"))
		return fmt.Errorf("load history: %w", err)
	}

	visible := e.registry.ForUser(req.User)
	toolNames := make([]string, 0, len(visible))
	for _, tool := range visible {
		toolNames = append(toolNames, tool.Name())
	}

	model := e.opts.DefaultModel
	if req.ModelOverride != "" {
		model = req.ModelOverride
	}
	if e.router != nil {
		turnCount := countUserTurns(history)
		decision, err := e.router.Route(ctx, req.Content, len(visible), toolNames, turnCount)
		if err != nil {
			e.log.Warn("routing failed, using default model", "error", err)
		} else if decision != nil {
			model = decision.Model
			t.emit(ctx, models.AgentEvent{
				Type: models.EventRouting,
				Routing: &models.RoutingPayload{
					Tier:                decision.Tier,
					Model:               decision.Model,
					Confidence:          decision.Confidence,
					Reasoning:           decision.Reasoning,
					ClassifierLatencyMs: decision.ClassifierLatencyMs,
				},
			})
		}
	}

	var hits []knowledge.Hit
	if e.retriever != nil {
		hits, err = e.retriever.Search(ctx, req.Content, e.opts.RetrievalTopK, nil)
		if err != nil {
			e.log.Warn("knowledge retrieval failed", "error", err)
			hits = nil
		}
	}

	systemPrompt, manifests := e.enricher.Build(ctx, appctx.TurnInputs{
		User:          req.User,
		Tools:         visible,
		KnowledgeHits: hits,
		FileContext:   req.FileContext,
	})

	finalText, ok := e.streamLoop(ctx, t, req, model, systemPrompt, manifests, visible, history)
	if !ok {
		return nil
	}

	directives, stripped := ParseWidgets(finalText)
	for _, d := range directives {
		t.emit(ctx, models.AgentEvent{
			Type: models.EventWidget,
			Widget: &models.WidgetPayload{
				Type:     d.Type,
				Panel:    d.Panel,
				Inline:   d.Inline,
				Blocking: d.Blocking,
				Action:   d.Action,
				Props:    d.Props,
			},
		})
	}

	assistantMsg := &models.Message{
		ConversationID: req.ConversationID,
		Role:           models.RoleAssistant,
		Content:        stripped,
		TurnID:         t.id,
	}
	if stripped != finalText {
		assistantMsg.Metadata = map[string]any{"raw_content": finalText}
	}
	if err := e.messages.Append(ctx, assistantMsg); err != nil {
		t.emit(ctx, errorEvent("persistence", "could not record reply"))
		return fmt.Errorf("append assistant message: %w", err)
	}
	if err := e.conversations.IncrementMessageCount(ctx, req.ConversationID); err != nil {
		e.log.Warn("increment message count", "conversation", req.ConversationID, "error", err)
	}
	e.audit.Record(ctx, &models.AuditEvent{
		Type:           models.AuditMessageSent,
		UserID:         req.User.UserID,
		ConversationID: req.ConversationID,
		Action:         "assistant_reply",
		Detail:         map[string]any{"model": model, "widgets": len(directives)},
	})
	return nil
}

// streamLoop drives the LLM stream and the tool-call feedback loop. Returns
// the accumulated assistant text and whether the turn reached a final
// response (false means an error event already ended it).
func (e *Executor) streamLoop(
	ctx context.Context,
	t *turn,
	req TurnRequest,
	model, systemPrompt string,
	manifests []tools.Manifest,
	visible []tools.Tool,
	history []*models.Message,
) (string, bool) {
	provider := e.llms.Resolve(model)
	if provider == nil {
		t.emit(ctx, errorEvent("llm_transport", "no provider available"))
		return "", false
	}

	specs := make([]llm.ToolSpec, 0, len(manifests))
	for _, m := range manifests {
		specs = append(specs, llm.ToolSpec{Name: m.Name, Description: m.Description, Schema: m.Schema})
	}
	byName := make(map[string]tools.Tool, len(visible))
	for _, tool := range visible {
		byName[tool.Name()] = tool
	}
	risks := make(map[string]models.RiskLevel, len(manifests))
	for _, m := range manifests {
		risks[m.Name] = models.RiskLevel(m.RiskLevel)
	}

	msgs := toLLMMessages(history)

	var fullText strings.Builder
	toolCalls := 0
	for {
		chunks, err := provider.Complete(ctx, llm.CompletionRequest{
			Model:     model,
			System:    systemPrompt,
			Messages:  msgs,
			Tools:     specs,
			MaxTokens: e.opts.MaxTokens,
		})
		if err != nil {
			t.emit(ctx, errorEvent("llm_transport", err.Error()))
			return "", false
		}

		var roundText strings.Builder
		var calls []llm.ToolCall
		for chunk := range chunks {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					t.emit(ctx, errorEvent("deadline", "turn deadline exceeded"))
				} else {
					t.emit(ctx, errorEvent("llm_transport", chunk.Err.Error()))
				}
				return "", false
			}
			if chunk.Text != "" {
				roundText.WriteString(chunk.Text)
				fullText.WriteString(chunk.Text)
				t.emit(ctx, models.AgentEvent{Type: models.EventToken, Token: &models.TokenPayload{Delta: chunk.Text}})
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}

		if len(calls) == 0 {
			return fullText.String(), true
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: roundText.String(), ToolCalls: calls})

		for _, call := range calls {
			toolCalls++
			if toolCalls > e.opts.MaxToolsPerTurn {
				t.emit(ctx, errorEvent("limit_exceeded", "tool call cap reached"))
				return "", false
			}
			result, abort := e.runToolCall(ctx, t, req, byName, risks, call)
			if abort {
				return "", false
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}
}

// runToolCall executes one LLM-issued tool call, gating high-risk tools on
// user confirmation. Returns the tool-role content to feed back and whether
// the turn must abort.
func (e *Executor) runToolCall(
	ctx context.Context,
	t *turn,
	req TurnRequest,
	byName map[string]tools.Tool,
	risks map[string]models.RiskLevel,
	call llm.ToolCall,
) (string, bool) {
	tool, ok := byName[call.Name]
	if !ok {
		t.emit(ctx, errorEvent("unknown_tool", "unrecognized tool "+call.Name))
		return "", true
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		args = map[string]any{}
	}

	t.emit(ctx, models.AgentEvent{
		Type: models.EventToolStart,
		Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Args: args},
	})

	risk := risks[call.Name]
	if risk.RequiresConfirmation() {
		widgetID := uuid.NewString()
		wait := e.confirms.Expect(widgetID)
		t.emit(ctx, models.AgentEvent{
			Type: models.EventConfirmation,
			Confirm: &models.ConfirmationPayload{
				WidgetID: widgetID,
				CallID:   call.ID,
				Action:   call.Name,
				Args:     args,
			},
		})
		e.audit.Record(ctx, &models.AuditEvent{
			Type:           models.AuditConfirmation,
			UserID:         req.User.UserID,
			ConversationID: req.ConversationID,
			Action:         call.Name,
			Detail:         map[string]any{"widget_id": widgetID},
			RiskLevel:      risk,
		})
		approved, err := wait(ctx)
		if err != nil {
			t.emit(ctx, errorEvent("deadline", "confirmation not received"))
			return "", true
		}
		if !approved {
			denial := `{"success": false, "error": "user declined the action"}`
			t.emit(ctx, models.AgentEvent{
				Type: models.EventToolEnd,
				Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Success: false, Error: "declined"},
			})
			e.audit.ToolResult(ctx, req.User.UserID, req.ConversationID, call.Name, false, "declined")
			return denial, false
		}
	}

	e.audit.ToolCall(ctx, req.User.UserID, req.ConversationID, call.Name, args, risk)

	result, err := tool.Execute(tools.WithUser(ctx, req.User), json.RawMessage(call.Arguments))
	if err != nil {
		// Recoverable: the model sees the failure and may retry within
		// the tool cap.
		e.audit.ToolResult(ctx, req.User.UserID, req.ConversationID, call.Name, false, err.Error())
		t.emit(ctx, models.AgentEvent{
			Type: models.EventToolEnd,
			Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Success: false, Error: err.Error()},
		})
		return fmt.Sprintf(`{"success": false, "error": %q}`, err.Error()), false
	}

	e.audit.ToolResult(ctx, req.User.UserID, req.ConversationID, call.Name, !result.IsError, "")
	resultMap := map[string]any{}
	if err := json.Unmarshal([]byte(result.Content), &resultMap); err != nil {
		resultMap = map[string]any{"content": result.Content}
	}
	t.emit(ctx, models.AgentEvent{
		Type: models.EventToolEnd,
		Tool: &models.ToolPayload{CallID: call.ID, Name: call.Name, Result: resultMap, Success: !result.IsError},
	})
	return result.Content, false
}

func toLLMMessages(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

func countUserTurns(history []*models.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == models.RoleUser {
			n++
		}
	}
	return n
}

func errorEvent(taxonomy, message string) models.AgentEvent {
	return models.AgentEvent{
		Type:      models.EventError,
		ErrorInfo: &models.ErrorPayload{Taxonomy: taxonomy, Message: message},
	}
}
