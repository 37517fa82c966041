// Package permissions decides what an identified caller may do.
package permissions

import (
	"rag-chatbot/internal/models"
)

// PermissionChecker defines the access rules for documents, guardrails and conversations
type PermissionChecker interface {
	IsAdmin(username string) bool
	CanManageDocuments(username string) bool
	CanManageGuardrails(username string) bool
	CanAccessConversation(username, sessionID string, conv *models.Conversation) bool
}
