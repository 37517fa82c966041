// Package models holds the domain types shared by the ingestion, retrieval and chat packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is an uploaded source file and its extracted text.
type Document struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	StoragePath string    `json:"storage_path"`
	FileType    string    `json:"file_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Text        string    `json:"-"`
	Topic       string    `json:"topic,omitempty"`
	Active      bool      `json:"active"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewDocument returns an active document with a fresh id.
func NewDocument(title, fileType, topic string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:        uuid.New(),
		Title:     title,
		FileType:  fileType,
		Topic:     topic,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ChunkMetadata records where a chunk sits inside its document.
type ChunkMetadata struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}

// Chunk is a contiguous slice of a document's text with its embedding.
type Chunk struct {
	ID         uuid.UUID     `json:"id"`
	DocumentID uuid.UUID     `json:"document_id"`
	Index      int           `json:"index"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"-"`
	TokenCount int           `json:"token_count"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SearchResult is a chunk ranked against a query vector.
type SearchResult struct {
	Chunk      Chunk     `json:"chunk"`
	DocumentID uuid.UUID `json:"document_id"`
	Score      float64   `json:"score"`
}

// ContextItem is the lightweight view of a search hit handed to the prompt builder.
type ContextItem struct {
	Text       string        `json:"text"`
	Score      float64       `json:"score"`
	ChunkID    uuid.UUID     `json:"chunk_id"`
	DocumentID uuid.UUID     `json:"document_id"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
