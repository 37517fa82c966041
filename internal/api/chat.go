package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rag-chatbot/internal/auth"
	"rag-chatbot/internal/chat"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

// Server-sent event names on /chat/stream.
const (
	eventDelta = "delta"
	eventDone  = "done"
	eventError = "error"
)

func (s *Server) chatRequest(w http.ResponseWriter, r *http.Request) (chat.SendRequest, bool) {
	var body models.ChatRequest
	if !s.decodeJSON(w, r, &body) {
		return chat.SendRequest{}, false
	}
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = auth.SessionID(r)
	}
	return chat.SendRequest{
		ConversationID: body.ConversationID,
		UserID:         auth.GetUserFromContext(r.Context()),
		SessionID:      sessionID,
		Text:           body.Message,
		Topic:          body.Topic,
	}, true
}

// writeRejection answers a guardrail rejection. Rate limiting is a 429; other
// rejections are ordinary replies the client shows to the user.
func (s *Server) writeRejection(w http.ResponseWriter, r *http.Request, reply *chat.Reply) {
	if reply.RateLimited {
		s.errors.HandleRateLimitError(w, r, reply.Reason, reply.RetryAfterSeconds)
		return
	}
	s.writer.Write(w, r, reply.Response())
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}
	reply, err := s.chat.SendMessage(r.Context(), req)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if reply.Rejected {
		s.writeRejection(w, r, reply)
		return
	}
	s.writer.Write(w, r, reply.Response())
}

// streamMessage answers over server-sent events. Errors raised before the first
// event use the regular JSON error responses.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// Streams may outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	reply, err := s.chat.StreamMessage(r.Context(), req, func(delta string) error {
		start()
		if err := writeEvent(w, eventDelta, map[string]string{"text": delta}); err != nil {
			return err
		}
		return rc.Flush()
	})

	switch {
	case err != nil && !started:
		if errors.Is(err, context.Canceled) {
			return
		}
		s.errors.Handle(w, r, err)
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		s.logger.Warn("chat stream failed", "error", err)
		_ = writeEvent(w, eventError, map[string]string{"error": streamErrorMessage(err)})
		_ = rc.Flush()
	case reply.Rejected && !started:
		s.writeRejection(w, r, reply)
	default:
		start()
		_ = writeEvent(w, eventDone, reply.Response())
		_ = rc.Flush()
	}
}

func streamErrorMessage(err error) string {
	if apperrors.IsNotFound(err) || apperrors.IsInvalidInput(err) {
		return err.Error()
	}
	return apperrors.ErrServiceUnavailable.Message
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
