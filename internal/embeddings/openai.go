package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "rag-chatbot/internal/errors"
)

// Ensure OpenAIEmbedder implements the interface.
var _ Embedder = (*OpenAIEmbedder)(nil)

// Default OpenAI settings.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
	DefaultOpenAITimeout = 30 * time.Second
)

var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig holds configuration for the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL can point at Azure OpenAI or a compatible gateway.
	BaseURL string

	Model string

	Timeout time.Duration

	// Dimensions overrides the model default for text-embedding-3-* models.
	Dimensions int
}

// OpenAIEmbedder generates embeddings with the OpenAI /embeddings API.
type OpenAIEmbedder struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder validates cfg and applies defaults.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configuration("openai: API key is required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultOpenAITimeout
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		var ok bool
		if dimensions, ok = openAIModelDimensions[cfg.Model]; !ok {
			dimensions = 1536
		}
	}

	return &OpenAIEmbedder{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: dimensions,
	}, nil
}

func (s *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (s *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := openAIEmbeddingRequest{Model: s.model, Input: texts}
	if strings.HasPrefix(s.model, "text-embedding-3-") {
		reqBody.Dimensions = s.dimensions
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("read response: %w", err))
	}

	var embedResp openAIEmbeddingResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
	}
	if embedResp.Error != nil {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("%s: %s", embedResp.Error.Type, embedResp.Error.Message))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Provider("openai embeddings", fmt.Errorf("status %d", resp.StatusCode))
	}
	if len(embedResp.Data) != len(texts) {
		return nil, apperrors.Provider("openai embeddings",
			fmt.Errorf("got %d embeddings for %d inputs", len(embedResp.Data), len(texts)))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embedResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, apperrors.Provider("openai embeddings", fmt.Errorf("embedding index %d out of range", data.Index))
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		if err := checkDimensions(vec, s.dimensions); err != nil {
			return nil, apperrors.Provider("openai embeddings", err)
		}
		embeddings[data.Index] = vec
	}
	for i, vec := range embeddings {
		if len(vec) == 0 {
			return nil, apperrors.Provider("openai embeddings", fmt.Errorf("missing embedding for input %d", i))
		}
	}

	return embeddings, nil
}

func (s *OpenAIEmbedder) Dimensions() int   { return s.dimensions }
func (s *OpenAIEmbedder) ModelName() string { return s.model }

// Ping validates the API key against /models without running inference.
func (s *OpenAIEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", http.NoBody)
	if err != nil {
		return apperrors.Provider("openai", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Provider("openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.Provider("openai", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
