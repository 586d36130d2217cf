package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flydesk/flydesk/internal/agent"
	"github.com/flydesk/flydesk/internal/audit"
	"github.com/flydesk/flydesk/internal/auth"
	"github.com/flydesk/flydesk/internal/callback"
	"github.com/flydesk/flydesk/internal/channel"
	"github.com/flydesk/flydesk/internal/config"
	appctx "github.com/flydesk/flydesk/internal/context"
	"github.com/flydesk/flydesk/internal/crypto"
	"github.com/flydesk/flydesk/internal/httpapi"
	"github.com/flydesk/flydesk/internal/jobs"
	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/router"
	"github.com/flydesk/flydesk/internal/store"
	"github.com/flydesk/flydesk/internal/tools"
	"github.com/flydesk/flydesk/internal/vectorstore"
	"github.com/flydesk/flydesk/internal/vectorstore/memory"
	"github.com/flydesk/flydesk/internal/vectorstore/pgvector"
	"github.com/flydesk/flydesk/internal/vectorstore/sqlitevec"
	"github.com/flydesk/flydesk/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var port int
	var reload bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if reload {
				cfg.DevMode = true
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides FLYDESK_PORT)")
	cmd.Flags().BoolVar(&reload, "reload", false, "development mode")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := store.DefaultConfig()
	dbCfg.DSN = cfg.Database.URL
	db, err := store.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	sealer, err := crypto.NewSealer(cfg.Credential.EncryptionKey)
	if err != nil {
		return err
	}

	// Repositories.
	conversations := store.NewConversationRepo(db)
	messages := store.NewMessageRepo(db)
	auditRepo := store.NewAuditRepo(db)
	memories := store.NewMemoryRepo(db)
	documents := store.NewDocumentRepo(db)
	catalog := store.NewCatalogRepo(db)
	customTools := store.NewCustomToolRepo(db)
	workflows := store.NewWorkflowRepo(db)
	webhooks := store.NewWebhookRepo(db)
	jobRepo := store.NewJobRepo(db)
	deliveries := store.NewCallbackDeliveryRepo(db)
	routingCfg := store.NewRoutingConfigRepo(db)
	workspaces := store.NewWorkspaceRepo(db)
	credentials := store.NewCredentialRepo(db)

	auditLog := audit.NewLogger(auditRepo, log)
	defer auditLog.Close()

	// LLM providers: every backend with credentials present joins the
	// registry; the first registered is the fallback.
	var providers []llm.Provider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: key}))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, llm.NewOpenAIProvider(key, ""))
	}
	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_PROFILE") != "" {
		bedrock, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{Region: os.Getenv("AWS_REGION")})
		if err != nil {
			log.Warn("bedrock provider unavailable", "error", err)
		} else {
			providers = append(providers, bedrock)
		}
	}
	if len(providers) == 0 {
		return fmt.Errorf("no LLM provider configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or AWS credentials)")
	}
	llms := llm.NewRegistry(providers...)
	activeModel := providers[0].Models()[0].ID

	// Vector store backend.
	vectors, err := openVectorStore(ctx, cfg)
	if err != nil {
		return err
	}

	// Knowledge pipeline.
	embedder, err := knowledge.NewOpenAIEmbedder(knowledge.OpenAIEmbedderConfig{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Model:  cfg.Embedding.Model,
	})
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	indexer := knowledge.NewIndexer(documents, embedder, vectors, log)
	retriever := knowledge.NewRetriever(embedder, vectors, documents)

	// Tool subsystem.
	authResolver := tools.NewAuthResolver(sealer, nil)
	registry := tools.NewRegistry()
	endpoints, err := catalog.ListEnabledEndpoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		registry.Register(tools.NewCatalogTool(ep, catalog, authResolver))
	}
	sandbox := tools.NewSandbox("")
	custom, err := customTools.List(ctx)
	if err != nil {
		return err
	}
	for _, ct := range custom {
		registry.Register(tools.NewCustomToolWrapper(ct, sandbox))
	}
	registry.RegisterBuiltin(tools.NewMemoryTool(memories))
	registry.RegisterBuiltin(tools.NewKnowledgeSearchTool(retriever))
	registry.RegisterBuiltin(tools.NewCatalogListTool(catalog))
	registry.RegisterBuiltin(tools.NewProcessSearchTool(jobRepo))
	registry.RegisterBuiltin(tools.NewPlatformStatusTool(llms, func() string { return activeModel }))

	// Model router + context enricher + turn executor.
	modelRouter := router.New(routingCfg, llms)
	enricher := appctx.NewEnricher("", 2048)
	confirms := agent.NewConfirmBroker()
	executor := agent.NewExecutor(
		messages, conversations, modelRouter, enricher, retriever,
		registry, llms, auditLog, confirms, log,
		agent.Options{DefaultModel: activeModel},
	)

	// Channel router: the SSE adapter is implicit per connection; email
	// is the registered out-of-band channel, used by workflow notify
	// steps addressed to a channel instead of a URL.
	channels := channel.NewRouter()
	channels.Register(channel.NewEmailAdapter(logEmailSender{log: log}, func(userID string) (string, bool) {
		return userID, userID != ""
	}))

	// Outbound callbacks, workflow engine, job runner.
	dispatcher := callback.NewDispatcher(nil, deliveries, log, nil)
	stepRunner := workflow.NewStepRunner(
		registryInvoker{registry: registry},
		nil,
		stepNotifier{dispatcher: dispatcher, channels: channels},
		log,
	)
	engine := workflow.NewEngine(workflows, webhooks, stepRunner, auditLog, log)
	scheduler := workflow.NewScheduler(engine, workflows, log, "")
	go scheduler.Run(ctx)

	runner := jobs.NewRunner(jobRepo, log, 4)
	runner.RegisterHandler(jobs.JobTypeIndexing, jobs.NewIndexingHandler(documents, indexer))
	runner.RegisterHandler(jobs.JobTypeProcessDiscovery, jobs.NewProcessDiscoveryHandler(catalog))
	runner.RegisterHandler(jobs.JobTypeSourceSync, jobs.NewSourceSyncHandler(documents, indexer))
	runner.Start(ctx)

	purger := audit.NewRetentionPurger(auditRepo, log, cfg.Audit.RetentionDays)
	go purger.Run(ctx)

	verifier := auth.NewJWTVerifier(auth.Config{
		Secret:           cfg.OIDC.ClientSecret,
		RolesClaim:       cfg.OIDC.RolesClaim,
		PermissionsClaim: cfg.OIDC.PermissionsClaim,
	})

	server := httpapi.NewServer(httpapi.Deps{
		Config:        cfg,
		Log:           log,
		Verifier:      verifier,
		Executor:      executor,
		Confirms:      confirms,
		Engine:        engine,
		Runner:        runner,
		LLMs:          llms,
		Router:        modelRouter,
		Indexer:       indexer,
		Sealer:        sealer,
		Dispatch:      dispatcher,
		Conversations: conversations,
		Messages:      messages,
		RoutingConfig: routingCfg,
		Audit:         auditRepo,
		Workspaces:    workspaces,
		Documents:     documents,
		Credentials:   credentials,
		ActiveModel:   activeModel,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("flydesk serving", "port", cfg.Server.Port, "model", activeModel)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	runner.Wait()
	dispatcher.Wait()
	return nil
}

func openVectorStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorStore.Backend {
	case "pgvector":
		return pgvector.New(ctx, pgvector.Config{DSN: cfg.Database.URL, Dimension: cfg.Embedding.Dimensions})
	case "sqlite":
		return sqlitevec.New(sqlitevec.Config{Path: cfg.Files.StoragePath + "/vectors.db", Dimension: cfg.Embedding.Dimensions})
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported vector store %q", cfg.VectorStore.Backend)
	}
}

// registryInvoker adapts the tool registry to the workflow step runner.
type registryInvoker struct {
	registry *tools.Registry
}

func (r registryInvoker) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	tool, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	result, err := tool.Execute(ctx, raw)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", name, result.Content)
	}
	return map[string]any{"content": result.Content}, nil
}

// stepNotifier fulfills workflow notify steps: data addressed to a URL
// goes out as a signed callback; data addressed to a channel tag is routed
// through the channel registry.
type stepNotifier struct {
	dispatcher *callback.Dispatcher
	channels   *channel.Router
}

func (n stepNotifier) Notify(ctx context.Context, userID, event string, data map[string]any) error {
	if url, _ := data["url"].(string); url != "" {
		secret, _ := data["secret"].(string)
		return n.dispatcher.Dispatch(ctx, callback.Callback{
			ID:     userID + ":" + event,
			URL:    url,
			Secret: secret,
			Event:  event,
			Data:   data,
		})
	}
	if tag, _ := data["channel"].(string); tag != "" {
		message, _ := data["message"].(string)
		turnID := uuid.NewString()
		if err := n.channels.Deliver(ctx, tag, userID, models.AgentEvent{
			Type:   models.EventToken,
			TurnID: turnID,
			Token:  &models.TokenPayload{Delta: message},
		}); err != nil {
			return err
		}
		return n.channels.Deliver(ctx, tag, userID, models.AgentEvent{Type: models.EventDone, TurnID: turnID})
	}
	return nil
}

// logEmailSender stands in for a real mail provider in single-binary
// deployments: outbound mail lands in the structured log.
type logEmailSender struct {
	log *slog.Logger
}

func (s logEmailSender) Send(ctx context.Context, to, subject, body string) error {
	s.log.Info("outbound email", "to", to, "subject", subject, "bytes", len(body))
	return nil
}

func encodeArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode tool args: %w", err)
	}
	return raw, nil
}
