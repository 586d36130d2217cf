// Package pgvector implements vectorstore.Store on top of Postgres. It does
// not assume the pgvector extension's `<=>` operator is installed; cosine
// similarity is computed in Go over retrieved embeddings, matching
// vectorstore.CosineSimilarity exactly so every backend agrees on scoring.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/flydesk/flydesk/internal/vectorstore"
)

// Config configures the pgvector-backed store.
type Config struct {
	DSN       string
	DB        *sql.DB
	Dimension int
}

// Store implements vectorstore.Store using a Postgres table of
// (doc_id, chunk_id, content, embedding, metadata, tags) rows.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// New opens (or reuses) a Postgres connection and ensures the chunk table
// exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db := cfg.DB
	ownsDB := false
	if db == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("either DSN or DB must be provided")
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open pgvector database: %w", err)
		}
		ownsDB = true
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping pgvector database: %w", err)
		}
	}

	s := &Store{db: db, ownsDB: ownsDB}
	if err := s.ensureSchema(ctx); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS document_chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			embedding JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			tags TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_document_chunks_doc ON document_chunks (document_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure pgvector schema: %w", err)
	}
	return nil
}

// Close releases the connection if this Store opened it.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Store persists chunks for docID, replacing any existing rows.
func (s *Store) Store(ctx context.Context, docID string, docTags []string, chunks []vectorstore.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store chunks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}
	for i, c := range chunks {
		embJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO document_chunks (chunk_id, document_id, chunk_index, content, embedding, metadata, tags)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, c.ID, docID, i, c.Content, embJSON, metaJSON, pq.Array(docTags))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Search scans all chunks (optionally filtered by tag) and ranks by cosine
// similarity in Go.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]vectorstore.Result, error) {
	query := `SELECT chunk_id, document_id, content, embedding, metadata FROM document_chunks`
	args := []any{}
	if len(tagFilter) > 0 {
		query += ` WHERE tags && $1`
		args = append(args, pq.Array(tagFilter))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []vectorstore.Result
	for rows.Next() {
		var chunkID, docID, content string
		var embBytes, metaBytes []byte
		if err := rows.Scan(&chunkID, &docID, &content, &embBytes, &metaBytes); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var emb []float32
		if err := json.Unmarshal(embBytes, &emb); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		score := vectorstore.CosineSimilarity(embedding, emb)
		if score <= 0 {
			continue
		}
		var meta map[string]any
		_ = json.Unmarshal(metaBytes, &meta)
		results = append(results, vectorstore.Result{
			ChunkID:    chunkID,
			DocumentID: docID,
			Content:    content,
			Score:      score,
			Metadata:   meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes every chunk of docID.
func (s *Store) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}
