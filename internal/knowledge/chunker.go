// Package knowledge implements the chunk -> embed -> store -> retrieve
// pipeline behind knowledge document indexing.
package knowledge

import (
	"strings"

	"github.com/flydesk/flydesk/internal/models"
)

// ChunkConfig configures the sliding-window chunker.
type ChunkConfig struct {
	Size    int // characters per chunk
	Overlap int // characters shared with the previous chunk
}

// DefaultChunkConfig is the standard fixed-size sliding window.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{Size: 500, Overlap: 50}
}

// Chunk splits content into a dense, zero-indexed sequence of fixed-size
// windows with overlap. No separator search, no section awareness; the
// retriever depends on the windows being exact.
func Chunk(content string, cfg ChunkConfig) []models.DocumentChunk {
	if cfg.Size <= 0 {
		cfg = DefaultChunkConfig()
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = 0
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	stride := cfg.Size - cfg.Overlap
	var chunks []models.DocumentChunk
	for start, idx := 0, 0; start < len(content); start, idx = start+stride, idx+1 {
		end := start + cfg.Size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, models.DocumentChunk{
			ChunkIndex: idx,
			Content:    content[start:end],
		})
		if end == len(content) {
			break
		}
	}
	return chunks
}
