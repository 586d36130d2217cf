// Package sqlitevec implements vectorstore.Store on top of SQLite via the
// pure-Go modernc.org/sqlite driver. There is no vec0 extension loaded (that
// needs cgo); embeddings are stored as IEEE-754 blobs and cosine similarity
// is computed in Go with vectorstore.CosineSimilarity, same as pgvector.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/flydesk/flydesk/internal/vectorstore"
)

// Config configures the sqlite-backed store.
type Config struct {
	Path      string // file path, or ":memory:" for an ephemeral store
	Dimension int
}

// Store implements vectorstore.Store using a SQLite table of
// (doc_id, chunk_id, content, embedding, metadata, tags) rows.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the backing SQLite database and ensures the chunk
// table exists.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite vector store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS document_chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			tags TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_document_chunks_doc ON document_chunks (document_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure sqlite vector schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store persists chunks for docID, replacing any existing rows. Tags are
// joined with a separator unlikely to appear in a tag and matched in Go at
// search time; SQLite has no native array/GIN type to mirror pgvector's.
func (s *Store) Store(ctx context.Context, docID string, docTags []string, chunks []vectorstore.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store chunks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}

	tagField := encodeTags(docTags)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (chunk_id, document_id, chunk_index, content, embedding, metadata, tags)
		VALUES (?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, docID, i, c.Content, encodeEmbedding(c.Embedding), string(metaJSON), tagField); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Search scans chunks (optionally filtered by tag) and ranks by cosine
// similarity in Go, same contract as every other backend.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]vectorstore.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, content, embedding, metadata, tags FROM document_chunks
	`)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []vectorstore.Result
	for rows.Next() {
		var chunkID, docID, content, metaJSON, tagField string
		var embBlob []byte
		if err := rows.Scan(&chunkID, &docID, &content, &embBlob, &metaJSON, &tagField); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(tagFilter) > 0 && !anyTagMatches(tagField, tagFilter) {
			continue
		}
		score := vectorstore.CosineSimilarity(embedding, decodeEmbedding(embBlob))
		if score <= 0 {
			continue
		}
		var meta map[string]any
		_ = json.Unmarshal([]byte(metaJSON), &meta)
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

// Delete removes every chunk belonging to docID.
func (s *Store) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

const tagSep = "\x1f"

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return tagSep + strings.Join(tags, tagSep) + tagSep
}

func anyTagMatches(field string, filter []string) bool {
	for _, t := range filter {
		if strings.Contains(field, tagSep+t+tagSep) {
			return true
		}
	}
	return false
}

// encodeEmbedding packs the vector as little-endian IEEE-754 floats.
func encodeEmbedding(embedding []float32) []byte {
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
