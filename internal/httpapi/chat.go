package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flydesk/flydesk/internal/agent"
	"github.com/flydesk/flydesk/internal/auth"
	"github.com/flydesk/flydesk/internal/channel"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
)

type chatMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Model          string   `json:"model,omitempty"`
	FileContext    []string `json:"file_context,omitempty"`
}

// handleChatMessage appends the user message and streams the turn's events
// as SSE frames. The done frame is always last, even when the turn errors.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !s.limiter.allow(user.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv := &models.Conversation{UserID: user.UserID, Title: truncateTitle(req.Content)}
		if err := s.conversations.Create(r.Context(), conv); err != nil {
			writeError(w, http.StatusInternalServerError, "could not create conversation")
			return
		}
		conversationID = conv.ID
	} else {
		conv, err := s.conversations.Get(r.Context(), conversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not load conversation")
			return
		}
		if conv == nil || conv.UserID != user.UserID {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
	}

	sink, err := channel.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	err = s.executor.Run(r.Context(), agent.TurnRequest{
		ConversationID: conversationID,
		User:           user,
		Content:        req.Content,
		ModelOverride:  req.Model,
		FileContext:    req.FileContext,
	}, sink)
	if err != nil {
		s.log.Error("turn failed", "conversation", conversationID, "error", err)
	}
}

func truncateTitle(content string) string {
	const max = 80
	if len(content) <= max {
		return content
	}
	return content[:max]
}

type confirmationRequest struct {
	WidgetID string `json:"widget_id"`
	Approved bool   `json:"approved"`
}

// handleConfirmation resolves a pending high-risk tool confirmation.
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WidgetID == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !s.confirms.Resolve(req.WidgetID, req.Approved) {
		writeError(w, http.StatusNotFound, "no pending confirmation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// handleGetConversation hydrates a conversation with its messages.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := r.PathValue("id")
	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	if conv == nil || conv.UserID != user.UserID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs, err := s.messages.ListByConversation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	out := map[string]any{
		"id":            conv.ID,
		"title":         conv.Title,
		"model_id":      conv.ModelID,
		"message_count": conv.MessageCount,
		"created_at":    conv.CreatedAt,
		"updated_at":    conv.UpdatedAt,
		"messages":      messagesJSON(msgs),
	}
	writeJSON(w, http.StatusOK, out)
}

func messagesJSON(msgs []*models.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"id":         m.ID,
			"role":       string(m.Role),
			"content":    m.Content,
			"turn_id":    m.TurnID,
			"created_at": m.CreatedAt,
		}
		if m.Metadata != nil {
			entry["metadata"] = m.Metadata
		}
		out = append(out, entry)
	}
	return out
}

// handleLLMStatus reports the active provider and a probe latency. Public.
func (s *Server) handleLLMStatus(w http.ResponseWriter, r *http.Request) {
	status := llm.ProbeStatus(r.Context(), s.llms, s.activeModel)
	writeJSON(w, http.StatusOK, status)
}
