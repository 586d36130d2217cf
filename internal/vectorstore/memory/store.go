// Package memory implements vectorstore.Store entirely in process memory,
// for local development (VECTOR_STORE=memory) and repository tests that
// don't want a database dependency.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/flydesk/flydesk/internal/vectorstore"
)

type row struct {
	chunk vectorstore.Chunk
	docID string
	tags  []string
}

// Store is a concurrency-safe, non-persistent vectorstore.Store.
type Store struct {
	mu   sync.RWMutex
	rows map[string]row // keyed by chunk ID
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{rows: make(map[string]row)}
}

// Store persists chunks for docID, replacing any existing rows for it.
func (s *Store) Store(ctx context.Context, docID string, docTags []string, chunks []vectorstore.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.docID == docID {
			delete(s.rows, id)
		}
	}
	for _, c := range chunks {
		s.rows[c.ID] = row{chunk: c, docID: docID, tags: docTags}
	}
	return nil
}

// Search ranks every stored chunk by cosine similarity, optionally
// restricted to documents carrying a tag in tagFilter.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]vectorstore.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []vectorstore.Result
	for _, r := range s.rows {
		if len(tagFilter) > 0 && !hasAnyTag(r.tags, tagFilter) {
			continue
		}
		score := vectorstore.CosineSimilarity(embedding, r.chunk.Embedding)
		if score <= 0 {
			continue
		}
		results = append(results, vectorstore.Result{
			ChunkID:    r.chunk.ID,
			DocumentID: r.docID,
			Content:    r.chunk.Content,
			Score:      score,
			Metadata:   r.chunk.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes every chunk belonging to docID.
func (s *Store) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.docID == docID {
			delete(s.rows, id)
		}
	}
	return nil
}

func hasAnyTag(tags, filter []string) bool {
	for _, t := range tags {
		for _, f := range filter {
			if t == f {
				return true
			}
		}
	}
	return false
}
