package errors

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ory/herodot"

	"rag-chatbot/internal/config"
)

// ErrorHandler writes herodot error payloads and hides details unless the
// configuration allows them.
type ErrorHandler struct {
	config *config.Config
	writer *herodot.JSONWriter
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler with the given configuration
func NewErrorHandler(cfg *config.Config, writer *herodot.JSONWriter, logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{
		config: cfg,
		writer: writer,
		logger: logger,
	}
}

// Handle maps err onto a status code by its taxonomy type.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	switch TypeOf(err) {
	case TypeNotFound:
		h.HandleNotFoundError(w, r, err)
	case TypeInvalidInput:
		h.HandleValidationError(w, r, err)
	case TypeProvider, TypeConfiguration:
		h.HandleServiceError(w, r, err)
	case TypePersistence:
		h.HandleDatabaseError(w, r, err)
	default:
		h.HandleInternalError(w, r, err)
	}
}

// HandleAuthError handles authentication-related errors with consistent responses
func (h *ErrorHandler) HandleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	e := herodot.ErrUnauthorized.WithReason("Authentication required")
	if !h.secure() {
		e = e.WithReason("Authentication failed").WithDebug(err.Error())
	}
	h.logError("AUTH_ERROR", err, r)
	h.writer.WriteError(w, r, e)
}

// HandleAuthorizationError handles authorization/permission errors
func (h *ErrorHandler) HandleAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	e := herodot.ErrForbidden.WithReason("Access denied")
	if !h.secure() {
		e = e.WithReason("Permission denied").WithDebug(err.Error())
	}
	h.logError("AUTHZ_ERROR", err, r)
	h.writer.WriteError(w, r, e)
}

// HandleValidationError handles input validation errors
func (h *ErrorHandler) HandleValidationError(w http.ResponseWriter, r *http.Request, err error) {
	e := herodot.ErrBadRequest.WithReason("Invalid request")
	if !h.secure() {
		e = e.WithReason(err.Error())
	}
	h.logError("VALIDATION_ERROR", err, r)
	h.writer.WriteError(w, r, e)
}

// HandleInternalError handles internal server errors
func (h *ErrorHandler) HandleInternalError(w http.ResponseWriter, r *http.Request, err error) {
	e := herodot.ErrInternalServerError.WithReason("An internal error occurred")
	if h.detailed() {
		e = e.WithDebug(err.Error())
	}
	h.logError("INTERNAL_ERROR", err, r)
	h.writer.WriteError(w, r, e)
}

// HandleNotFoundError handles resource not found errors
func (h *ErrorHandler) HandleNotFoundError(w http.ResponseWriter, r *http.Request, err error) {
	e := herodot.ErrNotFound.WithReason("Resource not found")
	if !h.secure() {
		e = e.WithReason(err.Error())
	}
	h.logError("NOT_FOUND", nil, r)
	h.writer.WriteError(w, r, e)
}

// HandleRateLimitError answers 429 with a Retry-After header.
func (h *ErrorHandler) HandleRateLimitError(w http.ResponseWriter, r *http.Request, reason string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	e := &herodot.DefaultError{
		CodeField:    http.StatusTooManyRequests,
		StatusField:  http.StatusText(http.StatusTooManyRequests),
		ErrorField:   "Rate limit exceeded",
		ReasonField:  reason,
		DetailsField: map[string]interface{}{"retry_after_seconds": retryAfter},
	}
	h.logError("RATE_LIMIT", nil, r)
	h.writer.WriteError(w, r, e)
}

// HandleDatabaseError handles database-related errors
func (h *ErrorHandler) HandleDatabaseError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeUnavailable(w, r, err)
	h.logError("DATABASE_ERROR", err, r)
}

// HandleServiceError handles embedding and completion provider failures
func (h *ErrorHandler) HandleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeUnavailable(w, r, err)
	h.logError("SERVICE_ERROR", err, r)
}

// writeUnavailable never leaks provider text to the client, only to the debug field in development.
func (h *ErrorHandler) writeUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	e := &herodot.DefaultError{
		CodeField:   http.StatusServiceUnavailable,
		StatusField: http.StatusText(http.StatusServiceUnavailable),
		ErrorField:  ErrServiceUnavailable.Message,
	}
	if h.detailed() {
		e.DebugField = err.Error()
	}
	h.writer.WriteError(w, r, e)
}

func (h *ErrorHandler) secure() bool {
	return h.config.Security.ErrorMode == "secure" || h.config.IsProduction()
}

func (h *ErrorHandler) detailed() bool {
	return h.config.IsDevelopment() && h.config.Security.ErrorMode != "secure"
}

// logError logs errors with context
func (h *ErrorHandler) logError(errorType string, err error, r *http.Request) {
	attrs := []any{
		"type", errorType,
		"request_id", middleware.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"user_agent", r.Header.Get("User-Agent"),
		"remote_ip", getClientIP(r),
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	h.logger.Error("request failed", attrs...)
}

// getClientIP extracts the real client IP from request headers
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
