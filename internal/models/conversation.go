package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Feedback is the end-of-conversation signal left by the user.
type Feedback string

const (
	FeedbackNone Feedback = "none"
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// Valid reports whether f is one of the known feedback values.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackNone, FeedbackUp, FeedbackDown:
		return true
	}
	return false
}

// Conversation is a chat session. UserID is empty for guests.
type Conversation struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id,omitempty"`
	SessionID    string     `json:"session_id"`
	MessageCount int        `json:"message_count"`
	Feedback     Feedback   `json:"feedback"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewConversation returns an empty conversation for the given session.
func NewConversation(userID, sessionID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		SessionID: sessionID,
		Feedback:  FeedbackNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Message is one turn of a conversation. ChunkIDs is nil unless retrieval fed the answer.
type Message struct {
	ID                uuid.UUID   `json:"id"`
	ConversationID    uuid.UUID   `json:"conversation_id"`
	Role              Role        `json:"role"`
	Content           string      `json:"content"`
	ChunkIDs          []uuid.UUID `json:"chunk_ids"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	TokenCount        int         `json:"token_count"`
	CreatedAt         time.Time   `json:"created_at"`
}

// NewMessage returns a message stamped with the current time.
func NewMessage(conversationID uuid.UUID, role Role, content string) *Message {
	return &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}
