package memory

import (
	"context"
	"testing"

	"github.com/flydesk/flydesk/internal/vectorstore"
)

func TestStoreSearchDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Store(ctx, "doc-1", []string{"billing"}, []vectorstore.Chunk{
		{ID: "c1", Content: "invoice policy", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Content: "refund policy", Embedding: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	err = s.Store(ctx, "doc-2", []string{"security"}, []vectorstore.Chunk{
		{ID: "c3", Content: "password rotation", Embedding: []float32{0.9, 0.1, 0}},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].ChunkID != "c1" {
		t.Errorf("top hit = %s, want c1", results[0].ChunkID)
	}

	filtered, err := s.Search(ctx, []float32{1, 0, 0}, 5, []string{"security"})
	if err != nil {
		t.Fatalf("Search with tag filter: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ChunkID != "c3" {
		t.Fatalf("tag filter did not restrict to doc-2, got %+v", filtered)
	}

	if err := s.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	remaining, err := s.Search(ctx, []float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	for _, r := range remaining {
		if r.DocumentID == "doc-1" {
			t.Errorf("doc-1 chunk survived delete: %+v", r)
		}
	}
}
