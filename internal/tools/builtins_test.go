package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/vectorstore"
)

type fakeMemoryRepo struct {
	saved  []*models.UserMemory
	byUser map[string][]*models.UserMemory
}

func (f *fakeMemoryRepo) Create(ctx context.Context, m *models.UserMemory) error {
	m.ID = "mem-1"
	f.saved = append(f.saved, m)
	return nil
}
func (f *fakeMemoryRepo) ListByUser(ctx context.Context, userID string) ([]*models.UserMemory, error) {
	return f.byUser[userID], nil
}
func (f *fakeMemoryRepo) Delete(ctx context.Context, userID, id string) error { return nil }

func TestMemoryToolSaveRequiresUser(t *testing.T) {
	tool := NewMemoryTool(&fakeMemoryRepo{})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"save","content":"likes concise answers"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result without an authenticated user")
	}
}

func TestMemoryToolSaveAndList(t *testing.T) {
	repo := &fakeMemoryRepo{byUser: map[string][]*models.UserMemory{}}
	tool := NewMemoryTool(repo)
	ctx := WithUser(context.Background(), &models.UserContext{UserID: "u1"})

	res, err := tool.Execute(ctx, json.RawMessage(`{"action":"save","content":"prefers email over slack"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if len(repo.saved) != 1 || repo.saved[0].UserID != "u1" {
		t.Fatalf("expected memory scoped to u1, got %+v", repo.saved)
	}

	repo.byUser["u1"] = repo.saved
	res, err = tool.Execute(ctx, json.RawMessage(`{"action":"list"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var listed []*models.UserMemory
	if err := json.Unmarshal([]byte(res.Content), &listed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(listed) != 1 || listed[0].Content != "prefers email over slack" {
		t.Fatalf("expected the saved memory listed, got %+v", listed)
	}
}

func TestMemoryToolUnsupportedAction(t *testing.T) {
	tool := NewMemoryTool(&fakeMemoryRepo{})
	ctx := WithUser(context.Background(), &models.UserContext{UserID: "u1"})
	res, err := tool.Execute(ctx, json.RawMessage(`{"action":"wipe"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for unsupported action")
	}
}

type fakeSearcher struct {
	hits []knowledge.Hit
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int, tagFilter []string) ([]knowledge.Hit, error) {
	return f.hits, nil
}

func TestKnowledgeSearchToolRequiresQuery(t *testing.T) {
	tool := NewKnowledgeSearchTool(&fakeSearcher{})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":""}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for empty query")
	}
}

func TestKnowledgeSearchToolReturnsHits(t *testing.T) {
	fake := &fakeSearcher{hits: []knowledge.Hit{
		{Chunk: vectorstore.Result{DocumentID: "doc-1", Content: "refund policy"}, DocumentTitle: "Refunds"},
	}}
	tool := NewKnowledgeSearchTool(fake)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"refund policy"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
}

type fakeCatalogLister struct {
	endpoints []*models.ServiceEndpoint
}

func (f *fakeCatalogLister) ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error) {
	return f.endpoints, nil
}

func TestCatalogListToolFiltersBySystem(t *testing.T) {
	lister := &fakeCatalogLister{endpoints: []*models.ServiceEndpoint{
		{ID: "e1", SystemID: "erp", Name: "list_orders"},
		{ID: "e2", SystemID: "hr", Name: "list_employees"},
	}}
	tool := NewCatalogListTool(lister)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"system_id":"erp"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var endpoints []*models.ServiceEndpoint
	if err := json.Unmarshal([]byte(res.Content), &endpoints); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].Name != "list_orders" {
		t.Fatalf("expected only erp endpoint, got %+v", endpoints)
	}
}

type fakeJobLister struct {
	jobs  []*models.Job
	limit int
}

func (f *fakeJobLister) ListByType(ctx context.Context, jobType string, limit int) ([]*models.Job, error) {
	f.limit = limit
	return f.jobs, nil
}

func TestProcessSearchToolDefaultsLimit(t *testing.T) {
	lister := &fakeJobLister{jobs: []*models.Job{{ID: "job-1", Type: "process_discovery"}}}
	tool := NewProcessSearchTool(lister)
	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if lister.limit != 20 {
		t.Fatalf("expected default limit 20, got %d", lister.limit)
	}
}
