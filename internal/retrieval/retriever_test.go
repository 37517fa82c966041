package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-chatbot/internal/embeddings/embeddingstest"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/logging"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage"
)

func seed(t *testing.T, store *storage.MemoryStore, dim int, topic string, texts ...string) *models.Document {
	t.Helper()
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{Content: text, Embedding: embeddingstest.Vector(text, dim)}
	}
	doc := models.NewDocument("doc", "text/plain", topic)
	require.NoError(t, store.CreateDocument(context.Background(), doc, chunks))
	return doc
}

func TestRetrieveContext(t *testing.T) {
	store := storage.NewMemoryStore()
	embedder := embeddingstest.New(64)
	seed(t, store, 64, "privacy",
		"data retention policy keeps records for seven years",
		"our pricing starts at one hundred dollars per month",
		"security audits happen every quarter")

	r := NewRetriever(embedder, store, logging.Discard())

	items, err := r.RetrieveContext(context.Background(), "how long is data retention for records", 2, "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Contains(t, items[0].Text, "retention")
	assert.GreaterOrEqual(t, items[0].Score, items[1].Score)
	assert.NotEqual(t, uuid.Nil, items[0].ChunkID)

	items, err = r.RetrieveContext(context.Background(), "pricing", 5, "billing")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRetrieveContext_EmbedsEveryQuery(t *testing.T) {
	embedder := embeddingstest.New(16)
	r := NewRetriever(embedder, storage.NewMemoryStore(), logging.Discard())

	for i := 0; i < 3; i++ {
		_, err := r.RetrieveContext(context.Background(), "same question", 3, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, embedder.Calls())
}

func TestRetrieveContext_ZeroTopK(t *testing.T) {
	embedder := embeddingstest.New(16)
	r := NewRetriever(embedder, storage.NewMemoryStore(), logging.Discard())

	items, err := r.RetrieveContext(context.Background(), "q", 0, "")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, embedder.Calls())
}

func TestRetrieveContext_ProviderFailure(t *testing.T) {
	embedder := embeddingstest.New(16)
	embedder.SetShouldFail(true)
	r := NewRetriever(embedder, storage.NewMemoryStore(), logging.Discard())

	_, err := r.RetrieveContext(context.Background(), "q", 3, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
}

func TestAssembleContext(t *testing.T) {
	blocks := AssembleContext([]models.ContextItem{
		{Text: "first", Score: 0.8712},
		{Text: "second", Score: 0.5},
	})
	assert.Equal(t, []string{
		"[Source 1 - Relevance: 0.87]\nfirst",
		"[Source 2 - Relevance: 0.50]\nsecond",
	}, blocks)

	assert.Empty(t, AssembleContext(nil))
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, "base", BuildSystemPrompt("base", nil))

	prompt := BuildSystemPrompt("base", []string{"[Source 1 - Relevance: 0.90]\nalpha", "[Source 2 - Relevance: 0.80]\nbeta"})
	assert.True(t, strings.HasPrefix(prompt, "base\n\n"))
	assert.Contains(t, prompt, "verbatim")
	assert.Contains(t, prompt, "not have enough information")
	assert.Less(t, strings.Index(prompt, "alpha"), strings.Index(prompt, "beta"))
}

func TestChunkIDs(t *testing.T) {
	assert.Nil(t, ChunkIDs(nil))
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, []uuid.UUID{a, b}, ChunkIDs([]models.ContextItem{{ChunkID: a}, {ChunkID: b}}))
}
