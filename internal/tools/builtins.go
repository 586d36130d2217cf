package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
)

// Built-in tools are always available irrespective of permissions:
// memory, knowledge search, catalog listing, process search, and platform
// status. Each wraps a narrow interface rather than a concrete store type so
// this package never depends on internal/store directly.

// memoryRepo is the subset of store.MemoryRepo the memory tool needs.
type memoryRepo interface {
	Create(ctx context.Context, m *models.UserMemory) error
	ListByUser(ctx context.Context, userID string) ([]*models.UserMemory, error)
	Delete(ctx context.Context, userID, id string) error
}

// MemoryTool lets the agent record and recall durable per-user facts and
// preferences.
type MemoryTool struct {
	repo memoryRepo
}

// NewMemoryTool constructs a MemoryTool.
func NewMemoryTool(repo memoryRepo) *MemoryTool { return &MemoryTool{repo: repo} }

func (t *MemoryTool) Name() string { return "memory" }
func (t *MemoryTool) Description() string {
	return "Save, list, or delete durable facts about the current user."
}
func (t *MemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["save", "list", "delete"]},
			"content": {"type": "string"},
			"category": {"type": "string", "enum": ["general", "preference", "fact", "workflow"]},
			"memory_id": {"type": "string"}
		},
		"required": ["action"]
	}`)
}

type memoryArgs struct {
	Action   string `json:"action"`
	Content  string `json:"content"`
	Category string `json:"category"`
	MemoryID string `json:"memory_id"`
}

// Execute expects the caller's UserContext on ctx (tools.WithUser), since
// every memory operation is scoped to the acting user.
func (t *MemoryTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	user := userFromCatalogContext(ctx)
	if user == nil {
		return ErrorResult("memory tool requires an authenticated user"), nil
	}
	var args memoryArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}

	switch args.Action {
	case "save":
		if args.Content == "" {
			return ErrorResult("content is required to save a memory"), nil
		}
		category := models.MemoryCategory(args.Category)
		if category == "" {
			category = models.MemoryGeneral
		}
		m := &models.UserMemory{
			UserID:   user.UserID,
			Content:  args.Content,
			Category: category,
			Source:   models.MemorySourceAgent,
		}
		if err := t.repo.Create(ctx, m); err != nil {
			return nil, fmt.Errorf("save memory: %w", err)
		}
		return JSONResult(map[string]string{"id": m.ID, "status": "saved"}), nil
	case "list":
		memories, err := t.repo.ListByUser(ctx, user.UserID)
		if err != nil {
			return nil, fmt.Errorf("list memories: %w", err)
		}
		return JSONResult(memories), nil
	case "delete":
		if args.MemoryID == "" {
			return ErrorResult("memory_id is required to delete a memory"), nil
		}
		if err := t.repo.Delete(ctx, user.UserID, args.MemoryID); err != nil {
			return nil, fmt.Errorf("delete memory: %w", err)
		}
		return JSONResult(map[string]string{"status": "deleted"}), nil
	default:
		return ErrorResult(fmt.Sprintf("unsupported memory action %q", args.Action)), nil
	}
}

// searcher is the subset of knowledge.Retriever the knowledge-search tool
// needs.
type searcher interface {
	Search(ctx context.Context, query string, topK int, tagFilter []string) ([]knowledge.Hit, error)
}

// KnowledgeSearchTool retrieves indexed document chunks.
type KnowledgeSearchTool struct {
	retriever searcher
}

// NewKnowledgeSearchTool constructs a KnowledgeSearchTool.
func NewKnowledgeSearchTool(retriever searcher) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{retriever: retriever}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search indexed knowledge documents and return the most relevant passages."
}
func (t *KnowledgeSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"top_k": {"type": "integer"},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["query"]
	}`)
}

type knowledgeSearchArgs struct {
	Query string   `json:"query"`
	TopK  int      `json:"top_k"`
	Tags  []string `json:"tags"`
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args knowledgeSearchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if args.Query == "" {
		return ErrorResult("query is required"), nil
	}
	topK := args.TopK
	if topK <= 0 {
		topK = 5
	}
	hits, err := t.retriever.Search(ctx, args.Query, topK, args.Tags)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	return JSONResult(hits), nil
}

// catalogLister is the subset of store.CatalogRepo the catalog-listing tool
// needs.
type catalogLister interface {
	ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error)
}

// CatalogListTool lists the available external-system endpoints, letting the
// agent discover tools it was not otherwise granted.
type CatalogListTool struct {
	catalog catalogLister
}

// NewCatalogListTool constructs a CatalogListTool.
func NewCatalogListTool(catalog catalogLister) *CatalogListTool {
	return &CatalogListTool{catalog: catalog}
}

func (t *CatalogListTool) Name() string { return "catalog_list" }
func (t *CatalogListTool) Description() string {
	return "List external systems and endpoints registered in the service catalog."
}
func (t *CatalogListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"system_id": {"type": "string"}}}`)
}

type catalogListArgs struct {
	SystemID string `json:"system_id"`
}

func (t *CatalogListTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args catalogListArgs
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrorResult("invalid arguments: " + err.Error()), nil
		}
	}
	endpoints, err := t.catalog.ListEnabledEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog endpoints: %w", err)
	}
	if args.SystemID != "" {
		filtered := endpoints[:0]
		for _, e := range endpoints {
			if e.SystemID == args.SystemID {
				filtered = append(filtered, e)
			}
		}
		endpoints = filtered
	}
	return JSONResult(endpoints), nil
}

// jobLister is the subset of store.JobRepo the process-search tool needs.
type jobLister interface {
	ListByType(ctx context.Context, jobType string, limit int) ([]*models.Job, error)
}

// ProcessSearchTool surfaces the most recent process_discovery job runs,
// whatever their status.
type ProcessSearchTool struct {
	jobs jobLister
}

// NewProcessSearchTool constructs a ProcessSearchTool.
func NewProcessSearchTool(jobs jobLister) *ProcessSearchTool {
	return &ProcessSearchTool{jobs: jobs}
}

func (t *ProcessSearchTool) Name() string { return "process_search" }
func (t *ProcessSearchTool) Description() string {
	return "Search previously discovered business processes from process_discovery job runs."
}
func (t *ProcessSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"limit": {"type": "integer"}}}`)
}

type processSearchArgs struct {
	Limit int `json:"limit"`
}

func (t *ProcessSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args processSearchArgs
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrorResult("invalid arguments: " + err.Error()), nil
		}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	jobs, err := t.jobs.ListByType(ctx, "process_discovery", limit)
	if err != nil {
		return nil, fmt.Errorf("search process discovery jobs: %w", err)
	}
	return JSONResult(jobs), nil
}

// PlatformStatusTool reports live LLM provider health for the currently
// routed model, exposed to the agent itself so it
// can explain a degraded provider instead of failing silently.
type PlatformStatusTool struct {
	registry    *llm.Registry
	activeModel func() string
}

// NewPlatformStatusTool constructs a PlatformStatusTool. activeModel is
// called on every invocation so the tool always reflects the current
// routing config's default model.
func NewPlatformStatusTool(registry *llm.Registry, activeModel func() string) *PlatformStatusTool {
	return &PlatformStatusTool{registry: registry, activeModel: activeModel}
}

func (t *PlatformStatusTool) Name() string { return "platform_status" }
func (t *PlatformStatusTool) Description() string {
	return "Report the current LLM provider and its health."
}
func (t *PlatformStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *PlatformStatusTool) Execute(ctx context.Context, _ json.RawMessage) (*Result, error) {
	model := ""
	if t.activeModel != nil {
		model = t.activeModel()
	}
	status := llm.ProbeStatus(ctx, t.registry, model)
	return JSONResult(status), nil
}
