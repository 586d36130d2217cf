package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flydesk/flydesk/internal/auth"
	"github.com/flydesk/flydesk/internal/callback"
	"github.com/flydesk/flydesk/internal/models"
)

func callbackRequest(userID, url, secret string) callback.Callback {
	return callback.Callback{
		ID:     "test:" + userID,
		URL:    url,
		Secret: secret,
		Event:  "callback.test",
		Data:   map[string]any{"requested_by": userID},
	}
}

func userFrom(r *http.Request) (*models.UserContext, bool) {
	return auth.UserFromContext(r.Context())
}

type routingConfigJSON struct {
	Enabled         bool              `json:"enabled"`
	ClassifierModel string            `json:"classifier_model"`
	DefaultTier     string            `json:"default_tier"`
	TierMappings    map[string]string `json:"tier_mappings"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
}

// handleGetRouting reads the routing singleton.
func (s *Server) handleGetRouting(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.routingCfg.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load routing config")
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusOK, routingConfigJSON{TierMappings: map[string]string{}})
		return
	}
	mappings := make(map[string]string, len(cfg.TierMappings))
	for tier, model := range cfg.TierMappings {
		mappings[string(tier)] = model
	}
	writeJSON(w, http.StatusOK, routingConfigJSON{
		Enabled:         cfg.Enabled,
		ClassifierModel: cfg.ClassifierModel,
		DefaultTier:     string(cfg.DefaultTier),
		TierMappings:    mappings,
		UpdatedAt:       cfg.UpdatedAt,
	})
}

// handlePutRouting writes the routing singleton and invalidates the
// router's cache before returning.
func (s *Server) handlePutRouting(w http.ResponseWriter, r *http.Request) {
	var req routingConfigJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	mappings := make(map[models.ComplexityTier]string, len(req.TierMappings))
	for tier, model := range req.TierMappings {
		switch models.ComplexityTier(tier) {
		case models.TierFast, models.TierBalanced, models.TierPowerful:
			mappings[models.ComplexityTier(tier)] = model
		default:
			writeError(w, http.StatusBadRequest, "unknown tier "+tier)
			return
		}
	}
	cfg := &models.RoutingConfig{
		Enabled:         req.Enabled,
		ClassifierModel: req.ClassifierModel,
		DefaultTier:     models.ComplexityTier(req.DefaultTier),
		TierMappings:    mappings,
	}
	if err := s.routingCfg.Put(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "could not save routing config")
		return
	}
	s.router.Invalidate()
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// auditEventLimit caps the events listing page size.
const auditEventLimit = 500

// handleListAuditEvents returns recent audit events, newest first.
func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > auditEventLimit {
			writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = n
	}
	events, err := s.auditRepo.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list events")
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		entry := map[string]any{
			"id":        e.ID,
			"timestamp": e.Timestamp,
			"type":      string(e.Type),
			"user_id":   e.UserID,
			"action":    e.Action,
			"detail":    e.Detail,
		}
		if e.ConversationID != "" {
			entry["conversation_id"] = e.ConversationID
		}
		if e.RiskLevel != "" {
			entry["risk_level"] = string(e.RiskLevel)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// handleTestCallback fires a signed test event at a user-supplied URL so
// operators can verify their receiver before wiring it into a workflow.
func (s *Server) handleTestCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	user, _ := userFrom(r)
	userID := ""
	if user != nil {
		userID = user.UserID
	}
	err := s.dispatch.Dispatch(r.Context(), callbackRequest(userID, req.URL, req.Secret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not dispatch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"dispatched": true})
}

// Workspaces.

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.workspaces.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list workspaces")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": list})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	ws := &models.Workspace{Name: req.Name, Description: req.Description}
	if err := s.workspaces.Create(r.Context(), ws); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create workspace")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load workspace")
		return
	}
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete workspace")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Knowledge documents.

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	// Listing hydrates titles/statuses only; content stays out of the
	// index view.
	docs, err := s.documents.ListSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Content      string   `json:"content"`
		Type         string   `json:"type"`
		Tags         []string `json:"tags"`
		WorkspaceIDs []string `json:"workspace_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	doc := &models.KnowledgeDocument{
		Title:        req.Title,
		Content:      req.Content,
		Type:         req.Type,
		Status:       models.DocumentDraft,
		Tags:         req.Tags,
		WorkspaceIDs: req.WorkspaceIDs,
	}
	if err := s.documents.Create(r.Context(), doc); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create document")
		return
	}
	job, err := s.runner.Enqueue(r.Context(), "indexing", map[string]any{"document_id": doc.ID})
	if err != nil {
		s.log.Warn("could not enqueue indexing", "document", doc.ID, "error", err)
		writeJSON(w, http.StatusCreated, map[string]any{"id": doc.ID})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": doc.ID, "indexing_job_id": job.ID})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.indexer.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Credentials.

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list credentials")
		return
	}
	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		out = append(out, map[string]any{
			"id":         c.ID,
			"system_id":  c.SystemID,
			"expires_at": c.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SystemID  string     `json:"system_id"`
		Value     string     `json:"value"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SystemID == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "system_id and value are required")
		return
	}
	sealed, err := s.sealer.Seal([]byte(req.Value))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encrypt credential")
		return
	}
	cred := &models.Credential{SystemID: req.SystemID, EncryptedValue: sealed, ExpiresAt: req.ExpiresAt}
	if err := s.credentials.Create(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError, "could not save credential")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": cred.ID})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
