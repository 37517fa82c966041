// Package embeddings turns text into fixed-length vectors through an external provider.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "rag-chatbot/internal/errors"
)

// Embedder produces embeddings. Failures are ProviderErrors; there is no local fallback.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// Pinger is implemented by embedders that can check reachability without inference.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ensure OllamaEmbedder implements the interface.
var _ Embedder = (*OllamaEmbedder)(nil)

// OllamaEmbedder calls the Ollama /api/embeddings endpoint.
type OllamaEmbedder struct {
	client     *http.Client
	ollamaURL  string
	model      string
	dimensions int
}

// NewOllamaEmbedder creates an embedder for a local Ollama server.
func NewOllamaEmbedder(baseURL, model string, dimensions int, timeout time.Duration) *OllamaEmbedder {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		client:     &http.Client{Timeout: timeout},
		ollamaURL:  baseURL,
		model:      model,
		dimensions: dimensions,
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"model":  e.model,
		"prompt": text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ollamaURL+"/api/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Provider("ollama embeddings", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}

	if len(result.Embedding) == 0 {
		return nil, apperrors.Provider("ollama embeddings", fmt.Errorf("no embedding returned"))
	}
	if err := checkDimensions(result.Embedding, e.dimensions); err != nil {
		return nil, apperrors.Provider("ollama embeddings", err)
	}

	return result.Embedding, nil
}

// EmbedBatch embeds texts one request at a time; Ollama's legacy endpoint takes a single prompt.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *OllamaEmbedder) Dimensions() int   { return e.dimensions }
func (e *OllamaEmbedder) ModelName() string { return e.model }

// Ping lists local models, which fails fast when the server is down.
func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ollamaURL+"/api/tags", http.NoBody)
	if err != nil {
		return apperrors.Provider("ollama", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return apperrors.Provider("ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Provider("ollama", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// checkDimensions rejects vectors whose length differs from the configured size.
// A zero expectation accepts any length.
func checkDimensions(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), want)
	}
	return nil
}
