// Package app builds every client and service once from the configuration and
// hands them to the HTTP server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rag-chatbot/internal/api"
	"rag-chatbot/internal/blob"
	"rag-chatbot/internal/chat"
	"rag-chatbot/internal/chunker"
	"rag-chatbot/internal/config"
	"rag-chatbot/internal/embeddings"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/extract"
	"rag-chatbot/internal/guardrails"
	"rag-chatbot/internal/ingest"
	"rag-chatbot/internal/llm"
	"rag-chatbot/internal/permissions"
	"rag-chatbot/internal/retrieval"
	"rag-chatbot/internal/storage"
)

const startupTimeout = 2 * time.Minute

type pinger interface {
	Ping(ctx context.Context) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// App holds the wired services. Close releases every connection it opened.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       storage.Store
	Blobs       blob.Store
	Embedder    embeddings.Embedder
	Cached      *embeddings.Cached
	Completer   llm.Completer
	Retriever   *retrieval.Retriever
	Ingest      *ingest.Service
	Chat        *chat.Orchestrator
	Permissions *permissions.PermissionService
	Checks      map[string]api.HealthCheck

	closers []func() error
}

// New connects to the configured providers and stores. The schema is migrated
// before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	a := &App{
		Config: cfg,
		Logger: logger,
		Checks: make(map[string]api.HealthCheck),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Embedder, err = a.newEmbedder(ctx); err != nil {
		return nil, err
	}
	// Only ingestion reads through the cache; queries are embedded on every request.
	a.Cached = embeddings.NewCached(a.Embedder, cfg.RAG.EmbedCacheSize)
	if a.Completer, err = a.newCompleter(); err != nil {
		return nil, err
	}
	if a.Store, err = OpenStore(ctx, cfg, a.Embedder.Dimensions(), logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)
	if a.Blobs, err = a.newBlobStore(ctx); err != nil {
		return nil, err
	}
	limiter, err := a.newRateLimiter(ctx)
	if err != nil {
		return nil, err
	}

	chunks := chunker.New(chunker.WithChunkSize(cfg.RAG.ChunkSize), chunker.WithOverlap(cfg.RAG.ChunkOverlap))
	a.Ingest, err = ingest.NewService(a.Store, a.Blobs, extract.New(false), chunks, a.Cached, logger,
		ingest.WithConcurrency(cfg.RAG.EmbedConcurrency))
	if err != nil {
		return nil, err
	}

	a.Retriever = retrieval.NewRetriever(a.Embedder, a.Store, logger)
	engine := guardrails.NewEngine(limiter, logger, guardrails.WithDefaultLimit(cfg.Guardrails.MaxRequestsPerHour))
	a.Chat = chat.NewOrchestrator(a.Store, engine, a.Retriever, a.Completer, chat.Config{
		TopK:            cfg.RAG.TopK,
		HistoryMessages: cfg.RAG.HistoryMessages,
		MaxTokens:       cfg.RAG.MaxTokens,
		Temperature:     llm.Float64(cfg.RAG.Temperature),
	}, logger)
	a.Permissions = permissions.NewPermissionService(cfg.Security.AdminUsers)

	a.addCheck("embeddings", a.Embedder)
	a.addCheck("completion", a.Completer)
	a.addCheck("blob", a.Blobs)

	logger.Info("application ready",
		"database", cfg.Database.Driver,
		"embedding_provider", cfg.Services.EmbeddingProvider,
		"embedding_model", a.Embedder.ModelName(),
		"dimensions", a.Embedder.Dimensions(),
		"completion_provider", cfg.Services.CompletionProvider,
		"blob", cfg.Blob.Driver,
		"redis", cfg.Redis.Enabled,
	)
	return a, nil
}

// Server returns the HTTP server over the wired services.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Dependencies{
		Config:      a.Config,
		Store:       a.Store,
		Ingest:      a.Ingest,
		Chat:        a.Chat,
		Retriever:   a.Retriever,
		Permissions: a.Permissions,
		Checks:      a.Checks,
		Logger:      a.Logger,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCheck(name string, v interface{}) {
	if p, ok := v.(pinger); ok {
		a.Checks[name] = p.Ping
	}
}

// OpenStore opens the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config, dimensions int, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "memory":
		store = storage.NewMemoryStore()
	case "sqlite":
		store, err = storage.NewSQLiteStore(ctx, cfg.GetDatabaseDSN(), dimensions, logger)
	case "postgres":
		store, err = storage.NewPostgresStore(ctx, cfg.GetDatabaseDSN(), cfg.Database.MaxConns, dimensions, logger)
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown database driver %q", cfg.Database.Driver), nil)
	}
	if err != nil {
		return nil, err
	}

	if m, ok := store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (a *App) newEmbedder(ctx context.Context) (embeddings.Embedder, error) {
	svc := a.Config.Services
	var (
		base embeddings.Embedder
		err  error
	)
	switch strings.ToLower(svc.EmbeddingProvider) {
	case "openai":
		base, err = embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
			APIKey:     svc.OpenAI.APIKey,
			BaseURL:    svc.OpenAI.BaseURL,
			Model:      svc.OpenAI.EmbeddingModel,
			Dimensions: svc.OpenAI.Dimensions,
			Timeout:    config.Seconds(svc.OpenAI.Timeout),
		})
	case "ollama":
		base = embeddings.NewOllamaEmbedder(svc.Ollama.BaseURL, svc.Ollama.EmbeddingModel, svc.Ollama.Dimensions,
			config.Seconds(svc.Ollama.Timeout))
	case "gemini":
		var gemini *embeddings.GeminiEmbedder
		gemini, err = embeddings.NewGeminiEmbedder(ctx, svc.Gemini.APIKey, svc.Gemini.EmbeddingModel, svc.Gemini.Dimensions)
		if err == nil {
			a.closers = append(a.closers, gemini.Close)
			base = gemini
		}
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown embedding provider %q", svc.EmbeddingProvider), nil)
	}
	if err != nil {
		return nil, err
	}
	return base, nil
}

func (a *App) newCompleter() (llm.Completer, error) {
	svc := a.Config.Services
	rag := a.Config.RAG
	switch strings.ToLower(svc.CompletionProvider) {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:      svc.Anthropic.APIKey,
			BaseURL:     svc.Anthropic.BaseURL,
			Model:       svc.Anthropic.Model,
			MaxTokens:   rag.MaxTokens,
			Temperature: llm.Float64(rag.Temperature),
			Timeout:     config.Seconds(svc.Anthropic.Timeout),
		})
	case "ollama":
		return llm.NewOllamaClient(svc.Ollama.BaseURL, svc.Ollama.LLMModel, rag.MaxTokens, llm.Float64(rag.Temperature),
			config.Seconds(svc.Ollama.Timeout)), nil
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown completion provider %q", svc.CompletionProvider), nil)
	}
}

func (a *App) newBlobStore(ctx context.Context) (blob.Store, error) {
	switch a.Config.Blob.Driver {
	case "", "local":
		return blob.NewLocalStore(a.Config.Blob.LocalDir)
	case "s3":
		return blob.NewS3Store(ctx, a.Config.Blob.S3, a.Logger)
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown blob driver %q", a.Config.Blob.Driver), nil)
	}
}

// newRateLimiter shares rate-limit state through Redis when enabled so every
// replica counts the same requests.
func (a *App) newRateLimiter(ctx context.Context) (guardrails.RateLimitStore, error) {
	rc := a.Config.Redis
	if !rc.Enabled {
		return guardrails.NewMemoryRateLimitStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)

	limiter := guardrails.NewRedisRateLimitStore(client, rc.Prefix)
	if err := limiter.Ping(ctx); err != nil {
		return nil, apperrors.Configuration("redis is unreachable", err)
	}
	a.Checks["redis"] = limiter.Ping
	return limiter, nil
}

// Dimensions is the embedding size the configured provider produces. Migrations
// use it to size vector columns without contacting the provider.
func Dimensions(cfg *config.Config) int {
	svc := cfg.Services
	switch strings.ToLower(svc.EmbeddingProvider) {
	case "ollama":
		return svc.Ollama.Dimensions
	case "gemini":
		return svc.Gemini.Dimensions
	default:
		return svc.OpenAI.Dimensions
	}
}
