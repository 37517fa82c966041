// Package retrieval turns a user query into ranked context blocks for the completion prompt.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"rag-chatbot/internal/embeddings"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage"
)

// Retriever embeds queries and searches the vector store.
type Retriever struct {
	embedder embeddings.Embedder
	store    storage.VectorStore
	logger   *slog.Logger
}

func NewRetriever(embedder embeddings.Embedder, store storage.VectorStore, logger *slog.Logger) *Retriever {
	return &Retriever{embedder: embedder, store: store, logger: logger.With("component", "retrieval")}
}

// RetrieveContext returns up to topK context items for query, best first. The query is
// embedded on every call.
func (r *Retriever) RetrieveContext(ctx context.Context, query string, topK int, topic string) ([]models.ContextItem, error) {
	if topK <= 0 {
		return []models.ContextItem{}, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.store.SimilaritySearch(ctx, vec, topK, topic)
	if err != nil {
		return nil, err
	}

	items := make([]models.ContextItem, 0, len(results))
	for _, res := range results {
		items = append(items, models.ContextItem{
			Text:       res.Chunk.Content,
			Score:      res.Score,
			ChunkID:    res.Chunk.ID,
			DocumentID: res.DocumentID,
			Metadata:   res.Chunk.Metadata,
		})
	}
	r.logger.Debug("retrieved context", "hits", len(items), "top_k", topK, "topic", topic)
	return items, nil
}

// AssembleContext formats items as numbered source blocks in the order given.
func AssembleContext(items []models.ContextItem) []string {
	blocks := make([]string, 0, len(items))
	for i, item := range items {
		blocks = append(blocks, fmt.Sprintf("[Source %d - Relevance: %.2f]\n%s", i+1, item.Score, item.Text))
	}
	return blocks
}

// ChunkIDs lists the chunk ids of items in order, or nil when there are none.
func ChunkIDs(items []models.ContextItem) []uuid.UUID {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.ChunkID
	}
	return ids
}
