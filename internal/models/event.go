package models

import "time"

// AgentEventType is the exact, closed set of SSE event names a turn may
// emit. Values are wire-stable.
type AgentEventType string

const (
	EventToken        AgentEventType = "token"
	EventWidget       AgentEventType = "widget"
	EventToolStart    AgentEventType = "tool_start"
	EventToolEnd      AgentEventType = "tool_end"
	EventConfirmation AgentEventType = "confirmation"
	EventRouting      AgentEventType = "routing"
	EventError        AgentEventType = "error"
	EventDone         AgentEventType = "done"
)

// AgentEvent is the single event model streamed to EventSink.Emit for one
// turn. At most one of the payload fields is populated for a given Type;
// done events carry none.
type AgentEvent struct {
	Type      AgentEventType
	Time      time.Time
	TurnID    string
	Sequence  uint64
	Token     *TokenPayload
	Widget    *WidgetPayload
	Tool      *ToolPayload
	Confirm   *ConfirmationPayload
	Routing   *RoutingPayload
	ErrorInfo *ErrorPayload
}

// TokenPayload carries one streamed text delta.
type TokenPayload struct {
	Delta string
}

// WidgetPayload is one parsed widget directive.
type WidgetPayload struct {
	Type     string
	Panel    string
	Inline   bool
	Blocking bool
	Action   string
	Props    map[string]any
}

// ToolPayload describes the start or end of one tool invocation.
type ToolPayload struct {
	CallID  string
	Name    string
	Args    map[string]any
	Result  map[string]any
	Success bool
	Error   string
}

// ConfirmationPayload is emitted before a high-risk tool call executes
type ConfirmationPayload struct {
	WidgetID string
	CallID   string
	Action   string
	Args     map[string]any
}

// RoutingPayload mirrors the model router's Decision.
type RoutingPayload struct {
	Tier                ComplexityTier
	Model               string
	Confidence          float64
	Reasoning           string
	ClassifierLatencyMs int64
}

// ErrorPayload carries a turn's failure taxonomy.
type ErrorPayload struct {
	Taxonomy string
	Message  string
}

// WidgetDirective is one parsed `:::widget{...}\n{json}\n:::` block.
type WidgetDirective struct {
	Type     string
	Panel    string
	Inline   bool
	Blocking bool
	Action   string
	Props    map[string]any
}
