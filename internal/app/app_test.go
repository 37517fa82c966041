package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-chatbot/internal/config"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/logging"
	"rag-chatbot/internal/storage"
)

// localConfig needs no network: Ollama clients are only contacted on use.
func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Database.Driver = "memory"
	cfg.Services.EmbeddingProvider = "ollama"
	cfg.Services.CompletionProvider = "ollama"
	cfg.Blob.LocalDir = filepath.Join(t.TempDir(), "uploads")
	return cfg
}

func TestNew_Local(t *testing.T) {
	a, err := New(context.Background(), localConfig(t), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.Chat)
	assert.NotNil(t, a.Server())
	assert.Equal(t, 768, a.Embedder.Dimensions())
	assert.Contains(t, a.Checks, "embeddings")
	assert.Contains(t, a.Checks, "completion")
	assert.NotContains(t, a.Checks, "redis")
	assert.IsType(t, &storage.MemoryStore{}, a.Store)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := map[string]func(*config.Config){
		"unknown embedder":  func(c *config.Config) { c.Services.EmbeddingProvider = "word2vec" },
		"unknown completer": func(c *config.Config) { c.Services.CompletionProvider = "gpt-local" },
		"openai without key": func(c *config.Config) {
			c.Services.EmbeddingProvider = "openai"
			c.Services.OpenAI.APIKey = ""
		},
		"anthropic without key": func(c *config.Config) {
			c.Services.CompletionProvider = "anthropic"
			c.Services.Anthropic.APIKey = ""
		},
		"unknown blob driver": func(c *config.Config) { c.Blob.Driver = "ftp" },
		"unknown database":    func(c *config.Config) { c.Database.Driver = "mongo" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := localConfig(t)
			mutate(cfg)
			_, err := New(context.Background(), cfg, logging.Discard())
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := localConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "ragchat.db")

	store, err := OpenStore(context.Background(), cfg, 8, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Ping(context.Background()))

	// Migrations are idempotent.
	again, err := OpenStore(context.Background(), cfg, 8, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestDimensions(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, 1536, Dimensions(cfg))
	cfg.Services.EmbeddingProvider = "ollama"
	assert.Equal(t, 768, Dimensions(cfg))
	cfg.Services.EmbeddingProvider = "Gemini"
	assert.Equal(t, 768, Dimensions(cfg))
}

func TestNew_QueriesBypassEmbeddingCache(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string][]float32{"embedding": {1, 0, 0}})
	}))
	defer srv.Close()

	cfg := localConfig(t)
	cfg.Services.Ollama.BaseURL = srv.URL
	cfg.Services.Ollama.Dimensions = 3
	cfg.RAG.EmbedCacheSize = 100

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	_, err = a.Retriever.RetrieveContext(ctx, "what is gdpr", 3, "")
	require.NoError(t, err)
	_, err = a.Retriever.RetrieveContext(ctx, "what is gdpr", 3, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	failing.Store(true)
	_, err = a.Retriever.RetrieveContext(ctx, "what is gdpr", 3, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err), "got %v", err)
	assert.Equal(t, int32(3), calls.Load())

	// Ingestion still reads through the cache.
	failing.Store(false)
	_, err = a.Cached.Embed(ctx, "cached text")
	require.NoError(t, err)
	_, err = a.Cached.Embed(ctx, "cached text")
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}
