package knowledge

import (
	"context"
	"fmt"

	"github.com/flydesk/flydesk/internal/vectorstore"
)

// titleRepo is the subset of store.DocumentRepo the retriever needs to join
// a chunk back to its parent document's title.
type titleRepo interface {
	TitleOf(ctx context.Context, id string) (string, error)
}

// Hit is one retrieved chunk joined to its parent document's title.
type Hit struct {
	Chunk         vectorstore.Result
	DocumentTitle string
}

// Retriever embeds a query and returns the top_k matching chunks joined to
// their document titles.
type Retriever struct {
	embedder Embedder
	vectors  vectorstore.Store
	docs     titleRepo
}

// NewRetriever constructs a Retriever.
func NewRetriever(embedder Embedder, vectors vectorstore.Store, docs titleRepo) *Retriever {
	return &Retriever{embedder: embedder, vectors: vectors, docs: docs}
}

// Search embeds query and returns the top_k nearest chunks, optionally
// restricted by tag. Titles are resolved per distinct document, not per
// chunk, to avoid redundant lookups.
func (r *Retriever) Search(ctx context.Context, query string, topK int, tagFilter []string) ([]Hit, error) {
	embeddings, err := r.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embed query: no embedding returned")
	}

	results, err := r.vectors.Search(ctx, embeddings[0], topK, tagFilter)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	titles := make(map[string]string, len(results))
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		title, ok := titles[res.DocumentID]
		if !ok {
			title, err = r.docs.TitleOf(ctx, res.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("resolve title for %s: %w", res.DocumentID, err)
			}
			titles[res.DocumentID] = title
		}
		hits = append(hits, Hit{Chunk: res, DocumentTitle: title})
	}
	return hits, nil
}
