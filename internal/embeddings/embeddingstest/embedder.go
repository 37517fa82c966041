// Package embeddingstest provides deterministic embedders for tests.
package embeddingstest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	apperrors "rag-chatbot/internal/errors"
)

// BagOfWords hashes each lowercase word into one of Dim buckets and L2-normalises
// the counts, so texts sharing vocabulary score close under cosine similarity.
type BagOfWords struct {
	Dim int

	mu         sync.Mutex
	calls      int
	shouldFail bool
}

// New returns a BagOfWords embedder with dim buckets.
func New(dim int) *BagOfWords {
	return &BagOfWords{Dim: dim}
}

// ErrUnavailable is the cause of the provider error returned while SetShouldFail(true) is in effect.
var ErrUnavailable = errors.New("mock embedding provider unavailable")

func (b *BagOfWords) SetShouldFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldFail = fail
}

// Calls returns how many texts were embedded.
func (b *BagOfWords) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *BagOfWords) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	fail := b.shouldFail
	b.calls++
	b.mu.Unlock()
	if fail {
		return nil, apperrors.Provider("mock embeddings", ErrUnavailable)
	}
	return Vector(text, b.Dim), nil
}

func (b *BagOfWords) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := b.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (b *BagOfWords) Dimensions() int   { return b.Dim }
func (b *BagOfWords) ModelName() string { return "bag-of-words" }

// Vector computes the normalised bucket vector for text.
func Vector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
