package embeddings

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	apperrors "rag-chatbot/internal/errors"
)

var _ Embedder = (*GeminiEmbedder)(nil)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "text-embedding-004"

// GeminiEmbedder embeds text with Google's Gemini embedding models.
type GeminiEmbedder struct {
	client     *genai.Client
	modelName  string
	dimensions int
}

// NewGeminiEmbedder opens a Gemini client. The API key is required.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dimensions int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, apperrors.Configuration("gemini: API key is required", nil)
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, apperrors.Configuration("gemini: create client", err)
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dimensions: dimensions}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := g.client.EmbeddingModel(g.modelName).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, apperrors.Provider("gemini embeddings", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, apperrors.Provider("gemini embeddings", fmt.Errorf("no embedding returned"))
	}
	if err := checkDimensions(res.Embedding.Values, g.dimensions); err != nil {
		return nil, apperrors.Provider("gemini embeddings", err)
	}
	return res.Embedding.Values, nil
}

// EmbedBatch sends all texts in one BatchEmbedContents request.
func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, apperrors.Provider("gemini embeddings", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, apperrors.Provider("gemini embeddings",
			fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(texts)))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if err := checkDimensions(e.Values, g.dimensions); err != nil {
			return nil, apperrors.Provider("gemini embeddings", err)
		}
		out = append(out, e.Values)
	}
	return out, nil
}

func (g *GeminiEmbedder) Dimensions() int   { return g.dimensions }
func (g *GeminiEmbedder) ModelName() string { return g.modelName }
