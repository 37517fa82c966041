package models

import "github.com/google/uuid"

// ChatRequest is the body of POST /chat and POST /chat/stream.
type ChatRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	SessionID      string     `json:"session_id"`
	Message        string     `json:"message"`
	Topic          string     `json:"topic,omitempty"`
}

// ChatResponse is returned for both answered and rejected messages.
type ChatResponse struct {
	ConversationID    uuid.UUID   `json:"conversation_id"`
	MessageID         *uuid.UUID  `json:"message_id,omitempty"`
	Answer            string      `json:"answer,omitempty"`
	Rejected          bool        `json:"rejected"`
	Reason            string      `json:"reason,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
	ChunkIDs          []uuid.UUID `json:"chunk_ids,omitempty"`
}

type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	Topic string `json:"topic,omitempty"`
}

type SearchResponse struct {
	Items []ContextItem `json:"items"`
	Count int           `json:"count"`
}

type DocumentListResponse struct {
	Documents []Document `json:"documents"`
	Count     int        `json:"count"`
}

type DocumentUpdateRequest struct {
	Active *bool   `json:"active,omitempty"`
	Topic  *string `json:"topic,omitempty"`
}

type ReprocessRequest struct {
	Text string `json:"text"`
}

type ReprocessResponse struct {
	DocumentID uuid.UUID `json:"document_id"`
	Chunks     int       `json:"chunks"`
}

type MessageListResponse struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

type FeedbackRequest struct {
	Feedback Feedback `json:"feedback"`
	End      bool     `json:"end"`
}

type GuardrailUpdateRequest struct {
	Config      GuardrailConfig `json:"config"`
	Description string          `json:"description,omitempty"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}
