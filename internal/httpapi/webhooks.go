package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/flydesk/flydesk/internal/channel"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/workflow"
)

// handleInboundWebhook resumes the workflow registered under the token.
// Unknown, consumed, or expired tokens all return 404 so the token space
// is unprobeable.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "body must be a JSON object")
			return
		}
	}

	err = s.engine.HandleInboundWebhook(r.Context(), token, payload)
	if errors.Is(err, workflow.ErrUnknownToken) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.log.Error("webhook resume failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// handleInboundEmail accepts a provider webhook and acknowledges with 202.
func (s *Server) handleInboundEmail(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	switch provider {
	case "resend", "ses", "sendgrid":
	default:
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	email, err := channel.ParseInbound(provider, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	s.log.Info("inbound email accepted", "provider", provider, "from", email.From, "subject", email.Subject)
	w.WriteHeader(http.StatusAccepted)
}

type startWorkflowRequest struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Steps          []struct {
		Type  string         `json:"type"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"steps"`
}

// handleStartWorkflow creates a durable workflow from a step list.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" || len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "type and steps are required")
		return
	}
	specs := make([]workflow.StepSpec, 0, len(req.Steps))
	for _, st := range req.Steps {
		specs = append(specs, workflow.StepSpec{Type: models.StepType(st.Type), Input: st.Input})
	}
	wf, regs, err := s.engine.Start(r.Context(), req.Type, user.UserID, req.ConversationID, req.Params, specs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not start workflow")
		return
	}
	webhooks := make([]map[string]any, 0, len(regs))
	for _, reg := range regs {
		webhooks = append(webhooks, map[string]any{"step_index": reg.StepIndex, "token": reg.WebhookToken})
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       wf.ID,
		"status":   string(wf.Status),
		"webhooks": webhooks,
	})
}

// handleWorkflowStatus returns the workflow read-model.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(view.Status),
		"current_step": view.CurrentStep,
		"total_steps":  view.TotalSteps,
		"created_at":   view.CreatedAt,
		"updated_at":   view.UpdatedAt,
		"completed_at": view.CompletedAt,
		"error":        view.Error,
	})
}

// handleCancelWorkflow cancels a workflow.
func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}
