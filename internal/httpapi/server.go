// Package httpapi exposes the HTTP surface: chat streaming, workflow
// webhooks, inbound email, admin routing config, and the CRUD routes for
// workspaces, knowledge documents, credentials, and audit events.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flydesk/flydesk/internal/agent"
	"github.com/flydesk/flydesk/internal/auth"
	"github.com/flydesk/flydesk/internal/callback"
	"github.com/flydesk/flydesk/internal/config"
	"github.com/flydesk/flydesk/internal/crypto"
	"github.com/flydesk/flydesk/internal/jobs"
	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/router"
	"github.com/flydesk/flydesk/internal/store"
	"github.com/flydesk/flydesk/internal/workflow"
)

// Server wires every handler's dependencies.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	verifier auth.Verifier

	executor *agent.Executor
	confirms *agent.ConfirmBroker
	engine   *workflow.Engine
	runner   *jobs.Runner
	llms     *llm.Registry
	router   *router.Router
	indexer  *knowledge.Indexer
	sealer   *crypto.Sealer
	dispatch *callback.Dispatcher

	conversations *store.ConversationRepo
	messages      *store.MessageRepo
	routingCfg    *store.RoutingConfigRepo
	auditRepo     *store.AuditRepo
	workspaces    *store.WorkspaceRepo
	documents     *store.DocumentRepo
	credentials   *store.CredentialRepo

	activeModel string
	limiter     *rateLimiter
}

// Deps carries everything a Server needs; fields mirror the Server.
type Deps struct {
	Config   *config.Config
	Log      *slog.Logger
	Verifier auth.Verifier

	Executor *agent.Executor
	Confirms *agent.ConfirmBroker
	Engine   *workflow.Engine
	Runner   *jobs.Runner
	LLMs     *llm.Registry
	Router   *router.Router
	Indexer  *knowledge.Indexer
	Sealer   *crypto.Sealer
	Dispatch *callback.Dispatcher

	Conversations *store.ConversationRepo
	Messages      *store.MessageRepo
	RoutingConfig *store.RoutingConfigRepo
	Audit         *store.AuditRepo
	Workspaces    *store.WorkspaceRepo
	Documents     *store.DocumentRepo
	Credentials   *store.CredentialRepo

	ActiveModel string
}

// NewServer constructs a Server from its dependency set.
func NewServer(d Deps) *Server {
	perMinute := 60
	if d.Config != nil {
		perMinute = d.Config.RateLimit.PerUser
	}
	return &Server{
		cfg:           d.Config,
		log:           d.Log,
		verifier:      d.Verifier,
		executor:      d.Executor,
		confirms:      d.Confirms,
		engine:        d.Engine,
		runner:        d.Runner,
		llms:          d.LLMs,
		router:        d.Router,
		indexer:       d.Indexer,
		sealer:        d.Sealer,
		dispatch:      d.Dispatch,
		conversations: d.Conversations,
		messages:      d.Messages,
		routingCfg:    d.RoutingConfig,
		auditRepo:     d.Audit,
		workspaces:    d.Workspaces,
		documents:     d.Documents,
		credentials:   d.Credentials,
		activeModel:   d.ActiveModel,
		limiter:       newRateLimiter(perMinute),
	}
}

// Routes builds the full mux. Authenticated routes run behind the bearer
// middleware; /api/llm/status, webhooks, and inbound email are public.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Public surface.
	mux.HandleFunc("GET /api/llm/status", s.handleLLMStatus)
	mux.HandleFunc("POST /api/webhooks/{token}", s.handleInboundWebhook)
	mux.HandleFunc("POST /api/email/inbound/{provider}", s.handleInboundEmail)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Authenticated surface.
	authed := http.NewServeMux()
	authed.Handle("POST /api/chat/messages", auth.RequirePermission("chat:send", http.HandlerFunc(s.handleChatMessage)))
	authed.HandleFunc("POST /api/chat/confirmations", s.handleConfirmation)
	authed.HandleFunc("GET /api/chat/conversations/{id}", s.handleGetConversation)

	authed.Handle("GET /api/admin/model-routing", auth.RequirePermission("admin", http.HandlerFunc(s.handleGetRouting)))
	authed.Handle("PUT /api/admin/model-routing", auth.RequirePermission("admin", http.HandlerFunc(s.handlePutRouting)))
	authed.Handle("POST /api/admin/callbacks/test", auth.RequirePermission("admin", http.HandlerFunc(s.handleTestCallback)))

	authed.HandleFunc("GET /api/workspaces", s.handleListWorkspaces)
	authed.HandleFunc("POST /api/workspaces", s.handleCreateWorkspace)
	authed.HandleFunc("GET /api/workspaces/{id}", s.handleGetWorkspace)
	authed.HandleFunc("DELETE /api/workspaces/{id}", s.handleDeleteWorkspace)

	authed.HandleFunc("GET /api/knowledge/documents", s.handleListDocuments)
	authed.HandleFunc("POST /api/knowledge/documents", s.handleCreateDocument)
	authed.HandleFunc("GET /api/knowledge/documents/{id}", s.handleGetDocument)
	authed.HandleFunc("DELETE /api/knowledge/documents/{id}", s.handleDeleteDocument)

	authed.HandleFunc("GET /api/credentials", s.handleListCredentials)
	authed.HandleFunc("POST /api/credentials", s.handleCreateCredential)
	authed.HandleFunc("DELETE /api/credentials/{id}", s.handleDeleteCredential)

	authed.HandleFunc("GET /api/audit/events", s.handleListAuditEvents)

	authed.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	authed.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowStatus)
	authed.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancelWorkflow)

	mux.Handle("/api/", auth.Middleware(s.verifier, s.log)(authed))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
