// Package chunker splits document text into overlapping, sentence-aware segments.
package chunker

import (
	"fmt"
	"strings"

	apperrors "rag-chatbot/internal/errors"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// boundaryLookback is how far back from a window's end a sentence break is searched for.
const boundaryLookback = 100

// Segment is one chunk of text with its rune offsets in the source.
type Segment struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker splits text into windows of at most chunkSize runes.
type Chunker struct {
	chunkSize int
	overlap   int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.chunkSize = size
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New creates a chunker. Invalid sizes are reported by Validate and Split.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChunkSize returns the configured window size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Validate rejects settings that would keep the window from advancing.
func (c *Chunker) Validate() error {
	if c.chunkSize <= 0 {
		return apperrors.Configuration(fmt.Sprintf("chunk size must be positive, got %d", c.chunkSize), nil)
	}
	if c.overlap < 0 {
		return apperrors.Configuration(fmt.Sprintf("chunk overlap must not be negative, got %d", c.overlap), nil)
	}
	if c.overlap >= c.chunkSize {
		return apperrors.Configuration(
			fmt.Sprintf("chunk overlap %d must be smaller than chunk size %d", c.overlap, c.chunkSize), nil)
	}
	return nil
}

// Split returns the trimmed, non-empty chunks of text in order.
func (c *Chunker) Split(text string) ([]Segment, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	runes := []rune(text)
	n := len(runes)

	if n <= c.chunkSize {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, nil
		}
		return []Segment{{Index: 0, Text: trimmed, Start: 0, End: n}}, nil
	}

	var segments []Segment
	start := 0
	for start < n {
		end := start + c.chunkSize
		if end >= n {
			end = n
		} else {
			end = cutPoint(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			segments = append(segments, Segment{
				Index: len(segments),
				Text:  chunk,
				Start: start,
				End:   end,
			})
		}

		if end >= n {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return segments, nil
}

// Texts is Split without offsets.
func (c *Chunker) Texts(text string) ([]string, error) {
	segments, err := c.Split(text)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Text
	}
	return out, nil
}

// cutPoint moves end back to just after the last '.' or newline found within the
// final boundaryLookback runes of the window, if one lies past start.
func cutPoint(runes []rune, start, end int) int {
	floor := end - boundaryLookback
	if floor < start {
		floor = start
	}
	for i := end - 1; i >= floor; i-- {
		if runes[i] == '.' || runes[i] == '\n' {
			if i > start {
				return i + 1
			}
			break
		}
	}
	return end
}
