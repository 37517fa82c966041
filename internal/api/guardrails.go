package api

import (
	"net/http"

	"rag-chatbot/internal/auth"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/guardrails"
	"rag-chatbot/internal/models"
)

// getGuardrails returns the active policy, or an empty one when none is stored.
func (s *Server) getGuardrails(w http.ResponseWriter, r *http.Request) {
	cfg, err := guardrails.LoadConfig(r.Context(), s.store)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if cfg == nil {
		cfg = &models.GuardrailConfig{}
	}
	s.writer.Write(w, r, cfg)
}

func (s *Server) updateGuardrails(w http.ResponseWriter, r *http.Request) {
	var req models.GuardrailUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Config.MaxRequestsPerHour < 0 || req.Config.TopK < 0 {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("limits must not be negative"))
		return
	}

	user := auth.GetUserFromContext(r.Context())
	if !s.permService.CanManageGuardrails(user) {
		s.errors.HandleAuthorizationError(w, r, apperrors.InvalidInput("guardrails are managed by admins"))
		return
	}
	setting, err := models.EncodeGuardrailConfig(req.Config, req.Description, user)
	if err != nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput(err.Error()))
		return
	}
	if err := s.store.PutGuardrailSetting(r.Context(), setting); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.logger.Info("guardrails updated", "by", user)
	s.writer.Write(w, r, &req.Config)
}
