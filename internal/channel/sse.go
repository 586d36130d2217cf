package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/flydesk/flydesk/internal/models"
)

// SSESink writes each agent event as one server-sent-events frame:
//
//	event: <type>\n
//	data: <json>\n\n
//
// The sink is per-connection and FIFO; writes block under backpressure
// rather than dropping frames, so the producing turn suspends until the
// client drains.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink wraps a ResponseWriter, emitting the SSE preamble headers.
// Returns an error if the writer cannot flush incrementally.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

// Emit writes one frame and flushes. Write errors are swallowed: a closed
// client connection ends the stream and the turn's context is cancelled by
// the HTTP server anyway.
func (s *SSESink) Emit(_ context.Context, e models.AgentEvent) {
	data, err := json.Marshal(EventData(e))
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data)
	s.flusher.Flush()
}

// EventData flattens an AgentEvent's populated payload into the JSON object
// sent on the wire. The shape is stable per event type.
func EventData(e models.AgentEvent) map[string]any {
	out := map[string]any{"turn_id": e.TurnID}
	switch {
	case e.Token != nil:
		out["delta"] = e.Token.Delta
	case e.Widget != nil:
		out["widget_type"] = e.Widget.Type
		out["props"] = e.Widget.Props
		if e.Widget.Panel != "" {
			out["panel"] = e.Widget.Panel
		}
		if e.Widget.Action != "" {
			out["action"] = e.Widget.Action
		}
		out["inline"] = e.Widget.Inline
		out["blocking"] = e.Widget.Blocking
	case e.Tool != nil:
		out["call_id"] = e.Tool.CallID
		out["name"] = e.Tool.Name
		if e.Type == models.EventToolStart {
			out["args"] = e.Tool.Args
		} else {
			out["result"] = e.Tool.Result
			out["success"] = e.Tool.Success
			if e.Tool.Error != "" {
				out["error"] = e.Tool.Error
			}
		}
	case e.Confirm != nil:
		out["widget_id"] = e.Confirm.WidgetID
		out["call_id"] = e.Confirm.CallID
		out["action"] = e.Confirm.Action
		out["args"] = e.Confirm.Args
	case e.Routing != nil:
		out["tier"] = string(e.Routing.Tier)
		out["model"] = e.Routing.Model
		out["confidence"] = e.Routing.Confidence
		out["reasoning"] = e.Routing.Reasoning
		out["classifier_latency_ms"] = e.Routing.ClassifierLatencyMs
	case e.ErrorInfo != nil:
		out["taxonomy"] = e.ErrorInfo.Taxonomy
		out["message"] = e.ErrorInfo.Message
	}
	return out
}
