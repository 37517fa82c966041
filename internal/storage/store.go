// Package storage persists documents, chunk vectors, conversations and guardrail settings,
// and answers cosine-similarity searches over active chunks.
package storage

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"rag-chatbot/internal/models"
)

// DocumentStore manages documents. Creating a document and replacing its chunks are
// atomic so a document never ends up with a partial chunk set.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, text string, chunks []models.Chunk) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	UpdateDocument(ctx context.Context, id uuid.UUID, active *bool, topic *string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
}

// VectorStore reads chunks and ranks them against a query vector.
type VectorStore interface {
	ListChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error)
	// SimilaritySearch returns at most topK chunks of active documents, optionally restricted
	// to an exact topic, ordered by descending cosine similarity with ties broken by chunk id.
	SimilaritySearch(ctx context.Context, query []float32, topK int, topic string) ([]models.SearchResult, error)
}

// ConversationStore manages conversations and their messages.
type ConversationStore interface {
	// GetOrCreateConversation loads id when given, otherwise the open conversation owned by
	// userID in the session, otherwise creates one. Guests have an empty userID.
	GetOrCreateConversation(ctx context.Context, id *uuid.UUID, userID, sessionID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// ListMessages returns up to limit most recent messages in creation order. limit <= 0 means all.
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)
	// AppendExchange stores both messages and adds two to the message count in one transaction.
	AppendExchange(ctx context.Context, conversationID uuid.UUID, user, assistant *models.Message) error
	EndConversation(ctx context.Context, id uuid.UUID, feedback models.Feedback, end bool) (*models.Conversation, error)
}

// GuardrailStore manages keyed guardrail settings.
type GuardrailStore interface {
	GetGuardrailSetting(ctx context.Context, key string) (*models.GuardrailSetting, error)
	PutGuardrailSetting(ctx context.Context, setting *models.GuardrailSetting) error
	ListGuardrailSettings(ctx context.Context) ([]models.GuardrailSetting, error)
}

// Store is the full persistence surface.
type Store interface {
	DocumentStore
	VectorStore
	ConversationStore
	GuardrailStore
	Ping(ctx context.Context) error
	Close() error
}

// rankResults orders hits by score, then chunk id, and keeps topK.
func rankResults(results []models.SearchResult, topK int) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID.String() < results[j].Chunk.ID.String()
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// matchesFilter reports whether a chunk's document may take part in a search.
func matchesFilter(active bool, docTopic, topic string) bool {
	return active && (topic == "" || docTopic == topic)
}

// lastN returns the final n messages, or all when n <= 0.
func lastN(msgs []models.Message, n int) []models.Message {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

// indexChunks stamps document ids, indices and totals onto chunks before they are stored.
func indexChunks(documentID uuid.UUID, chunks []models.Chunk) {
	for i := range chunks {
		if chunks[i].ID == uuid.Nil {
			chunks[i].ID = uuid.New()
		}
		chunks[i].DocumentID = documentID
		chunks[i].Index = i
		chunks[i].Metadata = models.ChunkMetadata{Position: i, Total: len(chunks)}
	}
}
