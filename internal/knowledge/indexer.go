package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/vectorstore"
)

// documentRepo is the subset of store.DocumentRepo the indexer needs.
type documentRepo interface {
	SetStatus(ctx context.Context, id string, status models.DocumentStatus) error
	Delete(ctx context.Context, id string) error
}

// EmbeddingBatchSize caps how many chunk texts go into one Embedder call.
const EmbeddingBatchSize = 100

// Indexer runs the chunk -> embed -> store pipeline and keeps a document's
// status in sync with pipeline outcome.
type Indexer struct {
	docs     documentRepo
	embedder Embedder
	vectors  vectorstore.Store
	chunkCfg ChunkConfig
	log      *slog.Logger
}

// NewIndexer constructs an Indexer.
func NewIndexer(docs documentRepo, embedder Embedder, vectors vectorstore.Store, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{docs: docs, embedder: embedder, vectors: vectors, chunkCfg: DefaultChunkConfig(), log: log}
}

// Index chunks and embeds a document's content and stores the resulting
// vectors, transitioning the document to "indexing" then "published" or
// "error".
func (ix *Indexer) Index(ctx context.Context, doc *models.KnowledgeDocument) error {
	if err := ix.docs.SetStatus(ctx, doc.ID, models.DocumentIndexing); err != nil {
		return fmt.Errorf("mark document indexing: %w", err)
	}

	chunks := Chunk(doc.Content, ix.chunkCfg)
	if len(chunks) == 0 {
		if err := ix.docs.SetStatus(ctx, doc.ID, models.DocumentPublished); err != nil {
			return fmt.Errorf("mark document published: %w", err)
		}
		return nil
	}

	if err := ix.embedChunks(ctx, doc.ID, chunks); err != nil {
		ix.log.Error("indexing failed", "document_id", doc.ID, "error", err)
		if setErr := ix.docs.SetStatus(ctx, doc.ID, models.DocumentError); setErr != nil {
			return fmt.Errorf("mark document error: %w (after: %w)", setErr, err)
		}
		return err
	}

	vsChunks := make([]vectorstore.Chunk, len(chunks))
	for i, c := range chunks {
		vsChunks[i] = vectorstore.Chunk{
			ID:        uuid.NewString(),
			Content:   c.Content,
			Embedding: c.Embedding,
			Metadata:  map[string]any{"chunk_index": c.ChunkIndex},
		}
	}
	if err := ix.vectors.Store(ctx, doc.ID, doc.Tags, vsChunks); err != nil {
		if setErr := ix.docs.SetStatus(ctx, doc.ID, models.DocumentError); setErr != nil {
			return fmt.Errorf("mark document error: %w (after: %w)", setErr, err)
		}
		return fmt.Errorf("store chunks: %w", err)
	}

	return ix.docs.SetStatus(ctx, doc.ID, models.DocumentPublished)
}

// Delete removes a document and its chunks: vector store first, then the
// relational row. A document briefly existing with zero chunks is fine; a
// chunk outliving its document is not.
func (ix *Indexer) Delete(ctx context.Context, docID string) error {
	if err := ix.vectors.Delete(ctx, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := ix.docs.Delete(ctx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (ix *Indexer) embedChunks(ctx context.Context, docID string, chunks []models.DocumentChunk) error {
	for start := 0; start < len(chunks); start += EmbeddingBatchSize {
		end := start + EmbeddingBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		embeddings, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch starting at %d: %w", start, err)
		}
		for i := range batch {
			chunks[start+i].Embedding = embeddings[i]
			chunks[start+i].DocumentID = docID
		}
	}
	return nil
}
