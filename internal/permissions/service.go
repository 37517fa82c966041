package permissions

import (
	"strings"

	"rag-chatbot/internal/models"
)

var _ PermissionChecker = (*PermissionService)(nil)

// PermissionService grants admin rights from a static list. "*" makes every identified
// user an admin, which is meant for local development only.
type PermissionService struct {
	admins   map[string]bool
	wildcard bool
}

func NewPermissionService(adminUsers []string) *PermissionService {
	ps := &PermissionService{admins: make(map[string]bool)}
	for _, u := range adminUsers {
		ps.AddAdmin(u)
	}
	return ps
}

// AddAdmin grants admin rights to username.
func (ps *PermissionService) AddAdmin(username string) {
	username = strings.ToLower(strings.TrimSpace(username))
	switch username {
	case "":
	case "*":
		ps.wildcard = true
	default:
		ps.admins[username] = true
	}
}

func (ps *PermissionService) IsAdmin(username string) bool {
	if username == "" {
		return false
	}
	return ps.wildcard || ps.admins[strings.ToLower(username)]
}

func (ps *PermissionService) CanManageDocuments(username string) bool {
	return ps.IsAdmin(username)
}

func (ps *PermissionService) CanManageGuardrails(username string) bool {
	return ps.IsAdmin(username)
}

// CanAccessConversation lets the owning user, or for guest conversations the owning
// session, read and annotate a conversation. Admins see everything.
func (ps *PermissionService) CanAccessConversation(username, sessionID string, conv *models.Conversation) bool {
	if conv == nil {
		return false
	}
	if ps.IsAdmin(username) {
		return true
	}
	if conv.UserID != "" {
		return strings.EqualFold(conv.UserID, username)
	}
	return sessionID != "" && conv.SessionID == sessionID
}
