package api

import (
	"net/http"
	"strconv"

	"rag-chatbot/internal/auth"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

// conversation loads the path conversation and checks the caller may see it.
// Conversations the caller cannot access are reported as missing.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	id, ok := s.pathID(w, r)
	if !ok {
		return nil, false
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.errors.Handle(w, r, err)
		return nil, false
	}
	if !s.permService.CanAccessConversation(auth.GetUserFromContext(r.Context()), auth.SessionID(r), conv) {
		s.errors.HandleNotFoundError(w, r, apperrors.NotFound("conversation"))
		return nil, false
	}
	return conv, true
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.errors.HandleValidationError(w, r, apperrors.InvalidInput("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	msgs, err := s.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	s.writer.Write(w, r, &models.MessageListResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req models.FeedbackRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Feedback == "" {
		req.Feedback = models.FeedbackNone
	}
	if !req.Feedback.Valid() {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("feedback must be one of none, up, down"))
		return
	}

	updated, err := s.store.EndConversation(r.Context(), conv.ID, req.Feedback, req.End)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.logger.Info("conversation feedback",
		"conversation_id", conv.ID,
		"feedback", req.Feedback,
		"ended", req.End,
	)
	s.writer.Write(w, r, updated)
}
