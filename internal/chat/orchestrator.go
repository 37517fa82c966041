// Package chat answers user messages: guardrails, retrieval, completion and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/guardrails"
	"rag-chatbot/internal/llm"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/retrieval"
	"rag-chatbot/internal/storage"
)

const (
	DefaultTopK            = 5
	DefaultHistoryMessages = 10
	persistTimeout         = 10 * time.Second
)

// ContextRetriever finds the context items for a query.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, query string, topK int, topic string) ([]models.ContextItem, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.ConversationStore
	storage.GuardrailStore
}

// Config tunes retrieval and completion. Zero values and a nil Temperature fall back to
// the defaults.
type Config struct {
	TopK            int
	HistoryMessages int
	MaxTokens       int
	Temperature     *float64
}

// SendRequest is one user turn. UserID is empty for guests.
type SendRequest struct {
	ConversationID *uuid.UUID
	UserID         string
	SessionID      string
	Text           string
	Topic          string
}

// Reply is the outcome of a turn. Rejected replies carry a reason and nothing was stored.
type Reply struct {
	ConversationID    uuid.UUID
	MessageID         *uuid.UUID
	Answer            string
	Rejected          bool
	RateLimited       bool
	Reason            string
	RetryAfterSeconds int
	ChunkIDs          []uuid.UUID
	Usage             llm.Usage
}

// Response converts the reply into its API shape.
func (r *Reply) Response() models.ChatResponse {
	return models.ChatResponse{
		ConversationID:    r.ConversationID,
		MessageID:         r.MessageID,
		Answer:            r.Answer,
		Rejected:          r.Rejected,
		Reason:            r.Reason,
		RetryAfterSeconds: r.RetryAfterSeconds,
		ChunkIDs:          r.ChunkIDs,
	}
}

// Orchestrator runs chat turns. Turns of one conversation never overlap.
type Orchestrator struct {
	store     Store
	engine    *guardrails.Engine
	retriever ContextRetriever
	completer llm.Completer
	cfg       Config
	logger    *slog.Logger
	locks     *keyedMutex
}

func NewOrchestrator(
	store Store,
	engine *guardrails.Engine,
	retriever ContextRetriever,
	completer llm.Completer,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = DefaultHistoryMessages
	}
	return &Orchestrator{
		store:     store,
		engine:    engine,
		retriever: retriever,
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "chat"),
		locks:     newKeyedMutex(),
	}
}

// turn carries the state of one message between the preparation and persistence steps.
type turn struct {
	req          SendRequest
	cfg          *models.GuardrailConfig
	conversation *models.Conversation
	userText     string
	items        []models.ContextItem
	completion   llm.CompletionRequest
	unlock       func()
}

// SendMessage answers req with a single completion call.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*Reply, error) {
	t, rejected, err := o.prepare(ctx, req)
	if err != nil || rejected != nil {
		return rejected, err
	}
	defer t.unlock()

	completion, err := o.completer.Complete(ctx, t.completion)
	if err != nil {
		return nil, o.unavailable("completion", t, err)
	}
	return o.finish(ctx, t, completion)
}

// StreamMessage answers req while passing each delta to onDelta. An error from onDelta,
// a provider failure or a cancelled ctx aborts the turn and nothing is stored. The stored
// answer has output filtering applied, which streamed deltas do not.
func (o *Orchestrator) StreamMessage(ctx context.Context, req SendRequest, onDelta func(string) error) (*Reply, error) {
	t, rejected, err := o.prepare(ctx, req)
	if err != nil || rejected != nil {
		return rejected, err
	}
	defer t.unlock()

	stream, err := o.completer.Stream(ctx, t.completion)
	if err != nil {
		return nil, o.unavailable("completion stream", t, err)
	}
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		if err := onDelta(stream.Delta()); err != nil {
			o.logger.Info("stream aborted by consumer", "conversation_id", t.conversation.ID, "error", err)
			return nil, fmt.Errorf("deliver delta: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		o.logger.Info("stream cancelled", "conversation_id", t.conversation.ID)
		return nil, err
	}
	if err := stream.Err(); err != nil {
		return nil, o.unavailable("completion stream", t, err)
	}
	completion := stream.Completion()
	if completion == nil {
		return nil, o.unavailable("completion stream", t, errors.New("stream ended without a result"))
	}
	return o.finish(ctx, t, completion)
}

// prepare runs the guardrails, resolves the conversation and builds the completion request.
// It returns a reply when the message is rejected. On success the conversation is locked
// until t.unlock is called.
func (o *Orchestrator) prepare(ctx context.Context, req SendRequest) (*turn, *Reply, error) {
	identifier := req.UserID
	if identifier == "" {
		identifier = req.SessionID
	}
	if identifier == "" {
		return nil, nil, apperrors.InvalidInput("session id is required")
	}

	cfg, err := guardrails.LoadConfig(ctx, o.store)
	if err != nil {
		return nil, nil, apperrors.ErrServiceUnavailable.WithCause(err)
	}

	rejected := func(reason string, retryAfter int) *Reply {
		r := &Reply{Rejected: true, Reason: reason, RetryAfterSeconds: retryAfter}
		if req.ConversationID != nil {
			r.ConversationID = *req.ConversationID
		}
		o.logger.Info("message rejected", "identifier", identifier, "reason", reason)
		return r
	}

	if limit := o.engine.CheckRateLimit(ctx, identifier, cfg); !limit.Allowed {
		r := rejected(limit.Reason, limit.RetryAfterSeconds)
		r.RateLimited = true
		return nil, r, nil
	}
	input := o.engine.ValidateInput(req.Text, cfg)
	if !input.Valid {
		return nil, rejected(input.Reason, 0), nil
	}
	if strings.TrimSpace(req.Topic) != "" {
		if topic := o.engine.ValidateTopic(req.Topic, cfg); !topic.Valid {
			return nil, rejected(topic.Reason, 0), nil
		}
	}

	t := &turn{req: req, cfg: cfg, userText: input.FilteredText}
	if err := o.resolveConversation(ctx, t); err != nil {
		return nil, nil, err
	}

	ok := false
	defer func() {
		if !ok {
			t.unlock()
		}
	}()

	topK := o.cfg.TopK
	if cfg != nil && cfg.TopK > 0 {
		topK = cfg.TopK
	}
	t.items, err = o.retriever.RetrieveContext(ctx, t.userText, topK, strings.TrimSpace(req.Topic))
	if err != nil {
		return nil, nil, o.unavailable("retrieval", t, err)
	}

	history, err := o.store.ListMessages(ctx, t.conversation.ID, o.cfg.HistoryMessages)
	if err != nil {
		return nil, nil, o.unavailable("history", t, err)
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: models.RoleUser, Content: t.userText})

	t.completion = llm.CompletionRequest{
		Messages:    messages,
		System:      retrieval.BuildSystemPrompt(o.engine.SystemInstructions(cfg), retrieval.AssembleContext(t.items)),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	ok = true
	return t, nil, nil
}

// resolveConversation loads or creates the conversation and locks it. Without an id the
// user's session is locked first so concurrent first messages share one conversation.
func (o *Orchestrator) resolveConversation(ctx context.Context, t *turn) error {
	unlockSession := func() {}
	if t.req.ConversationID == nil {
		unlock, err := o.locks.Lock(ctx, "session:"+t.req.UserID+"\x00"+t.req.SessionID)
		if err != nil {
			return err
		}
		unlockSession = unlock
	}
	defer unlockSession()

	conv, err := o.store.GetOrCreateConversation(ctx, t.req.ConversationID, t.req.UserID, t.req.SessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return err
		}
		return apperrors.ErrServiceUnavailable.WithCause(err)
	}
	if conv.UserID != "" && conv.UserID != t.req.UserID {
		return apperrors.NotFound("conversation")
	}
	if conv.UserID == "" && conv.SessionID != t.req.SessionID {
		return apperrors.NotFound("conversation")
	}
	if conv.EndedAt != nil {
		return apperrors.InvalidInput("conversation has ended")
	}

	unlock, err := o.locks.Lock(ctx, "conversation:"+conv.ID.String())
	if err != nil {
		return err
	}
	t.conversation = conv
	t.unlock = unlock
	return nil
}

// finish validates the answer and stores both messages.
func (o *Orchestrator) finish(ctx context.Context, t *turn, completion *llm.Completion) (*Reply, error) {
	output := o.engine.ValidateOutput(completion.Content, t.cfg)
	if !output.Valid {
		return nil, o.unavailable("completion", t, fmt.Errorf("invalid output: %s", output.Reason))
	}

	user := models.NewMessage(t.conversation.ID, models.RoleUser, t.userText)
	user.TokenCount = models.EstimateTokens(t.userText)

	assistant := models.NewMessage(t.conversation.ID, models.RoleAssistant, output.FilteredText)
	assistant.ChunkIDs = retrieval.ChunkIDs(t.items)
	assistant.ProviderMessageID = completion.ID
	assistant.TokenCount = completion.Usage.OutputTokens
	if assistant.TokenCount == 0 {
		assistant.TokenCount = models.EstimateTokens(output.FilteredText)
	}

	// A finished answer is stored even if the caller has just gone away.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.AppendExchange(pctx, t.conversation.ID, user, assistant); err != nil {
		return nil, o.unavailable("persist messages", t, err)
	}

	o.logger.Info("message answered",
		"conversation_id", t.conversation.ID,
		"context_items", len(t.items),
		"input_tokens", completion.Usage.InputTokens,
		"output_tokens", completion.Usage.OutputTokens,
	)
	return &Reply{
		ConversationID: t.conversation.ID,
		MessageID:      &assistant.ID,
		Answer:         output.FilteredText,
		ChunkIDs:       assistant.ChunkIDs,
		Usage:          completion.Usage,
	}, nil
}

// unavailable logs the real cause and returns the user-facing error.
func (o *Orchestrator) unavailable(stage string, t *turn, err error) error {
	o.logger.Error("chat turn failed", "stage", stage, "conversation_id", t.conversation.ID, "error", err)
	return apperrors.ErrServiceUnavailable.WithCause(err)
}
