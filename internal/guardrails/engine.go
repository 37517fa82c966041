// Package guardrails validates chat input and output, enforces topic policy and rate-limits
// callers with a sliding one-hour window.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage"
)

const (
	// MaxInputLength is the longest accepted user message, in characters.
	MaxInputLength = 5000

	// RateLimitWindow is the sliding window for CheckRateLimit.
	RateLimitWindow = time.Hour

	// DefaultMaxRequestsPerHour applies when the config sets no limit.
	DefaultMaxRequestsPerHour = 50
)

const basePersona = "You are a helpful assistant for a compliance and data protection consultancy. " +
	"Answer questions about our services accurately and concisely."

// DefaultTopics are accepted by ValidateTopic when no whitelist is enforced.
var DefaultTopics = []string{
	"compliance",
	"privacy",
	"security",
	"data protection",
	"governance",
	"risk management",
	"audit",
	"consulting",
	"services",
	"pricing",
	"general",
}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)<iframe`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// Output cleaning removes whole elements, then stray tags, then handler attributes inside tags.
var (
	blockedElements = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
		regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
	}
	strayTag         = regexp.MustCompile(`(?i)</?(script|iframe)\b[^>]*>?`)
	htmlTag          = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	handlerAttribute = regexp.MustCompile(`(?i)\s+on\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	javascriptURL    = regexp.MustCompile(`(?i)javascript:`)
)

var profanityWords = []string{
	"arse", "asshole", "bastard", "bitch", "bollocks", "crap", "damn", "dick", "fuck", "fucking", "piss", "shit",
}

var profanityPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(profanityWords, "|") + `)\b`)

// Engine applies guardrail policy. The zero GuardrailConfig (nil) means defaults only.
type Engine struct {
	limiter      RateLimitStore
	now          func() time.Time
	logger       *slog.Logger
	defaultLimit int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultLimit sets the hourly limit used when the config has none.
func WithDefaultLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultLimit = n
		}
	}
}

func NewEngine(limiter RateLimitStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		limiter:      limiter,
		now:          time.Now,
		logger:       logger.With("component", "guardrails"),
		defaultLimit: DefaultMaxRequestsPerHour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// failClosed turns a panic during validation into a rejection.
func (e *Engine) failClosed(op string, result *models.ValidationResult) {
	if r := recover(); r != nil {
		e.logger.Error("validation panicked", "op", op, "panic", r)
		*result = models.ValidationResult{Valid: false, Reason: "validation failed"}
	}
}

// ValidateInput checks a user message. On success FilteredText holds the text to use downstream.
func (e *Engine) ValidateInput(text string, cfg *models.GuardrailConfig) (result models.ValidationResult) {
	defer e.failClosed("input", &result)

	if strings.TrimSpace(text) == "" {
		return models.ValidationResult{Reason: "input is empty"}
	}
	if utf8.RuneCountInString(text) > MaxInputLength {
		return models.ValidationResult{Reason: "input exceeds maximum length"}
	}
	for _, p := range blockedPatterns {
		if p.MatchString(text) {
			return models.ValidationResult{Reason: "input contains blocked content"}
		}
	}

	if cfg != nil {
		lower := strings.ToLower(text)
		if term, ok := firstContained(lower, cfg.Blacklist); ok {
			e.logger.Info("input rejected by blacklist", "term", term)
			return models.ValidationResult{Reason: "input mentions a restricted topic"}
		}
		if cfg.EnforceWhitelist && len(cfg.Whitelist) > 0 {
			if _, ok := firstContained(lower, cfg.Whitelist); !ok {
				return models.ValidationResult{Reason: "input is outside the allowed topics"}
			}
		}
	}

	return models.ValidationResult{Valid: true, FilteredText: e.maybeMask(text, cfg)}
}

// ValidateOutput strips blocked markup from a completion and masks profanity when configured.
// Only an empty completion is rejected.
func (e *Engine) ValidateOutput(text string, cfg *models.GuardrailConfig) (result models.ValidationResult) {
	defer e.failClosed("output", &result)

	if strings.TrimSpace(text) == "" {
		return models.ValidationResult{Reason: "empty response"}
	}

	cleaned := stripMarkup(text)
	if strings.TrimSpace(cleaned) == "" {
		return models.ValidationResult{Reason: "empty response"}
	}

	return models.ValidationResult{Valid: true, FilteredText: e.maybeMask(cleaned, cfg)}
}

func stripMarkup(text string) string {
	for _, p := range blockedElements {
		text = p.ReplaceAllString(text, "")
	}
	text = strayTag.ReplaceAllString(text, "")
	text = htmlTag.ReplaceAllStringFunc(text, func(tag string) string {
		return handlerAttribute.ReplaceAllString(tag, "")
	})
	return javascriptURL.ReplaceAllString(text, "")
}

func (e *Engine) maybeMask(text string, cfg *models.GuardrailConfig) string {
	if cfg == nil || !cfg.FilterProfanity {
		return text
	}
	return MaskProfanity(text)
}

// MaskProfanity replaces each listed word with asterisks of the same length.
func MaskProfanity(text string) string {
	return profanityPattern.ReplaceAllStringFunc(text, func(word string) string {
		return strings.Repeat("*", utf8.RuneCountInString(word))
	})
}

// CheckRateLimit records a request for identifier unless it is over the limit.
// Limiter failures allow the request.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier string, cfg *models.GuardrailConfig) models.RateLimitResult {
	limit := e.defaultLimit
	if cfg != nil && cfg.MaxRequestsPerHour > 0 {
		limit = cfg.MaxRequestsPerHour
	}

	now := e.now()
	allowed, oldest, err := e.limiter.Hit(ctx, identifier, now, RateLimitWindow, limit)
	if err != nil {
		e.logger.Warn("rate limit check failed, allowing request", "identifier", identifier, "error", err)
		return models.RateLimitResult{Allowed: true}
	}
	if allowed {
		return models.RateLimitResult{Allowed: true}
	}

	retryAfter := int(math.Ceil(oldest.Add(RateLimitWindow).Sub(now).Seconds()))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return models.RateLimitResult{
		Allowed:           false,
		Reason:            fmt.Sprintf("rate limit exceeded, retry in %d seconds", retryAfter),
		RetryAfterSeconds: retryAfter,
	}
}

// ValidateTopic checks a requested topic against the blacklist, then an enforced whitelist,
// then DefaultTopics. An empty topic is treated as general.
func (e *Engine) ValidateTopic(topic string, cfg *models.GuardrailConfig) models.TopicResult {
	t := strings.ToLower(strings.TrimSpace(topic))
	if t == "" {
		t = "general"
	}

	if cfg != nil {
		if _, ok := firstContained(t, cfg.Blacklist); ok {
			return models.TopicResult{Reason: "topic is not allowed"}
		}
		if cfg.EnforceWhitelist && len(cfg.Whitelist) > 0 {
			for _, w := range cfg.Whitelist {
				if strings.EqualFold(strings.TrimSpace(w), t) {
					return models.TopicResult{Valid: true}
				}
			}
			return models.TopicResult{Reason: "topic is outside the allowed topics"}
		}
	}

	for _, d := range DefaultTopics {
		if d == t {
			return models.TopicResult{Valid: true}
		}
	}
	return models.TopicResult{Reason: "topic is not supported"}
}

// SystemInstructions composes the persona with the configured topic directives.
func (e *Engine) SystemInstructions(cfg *models.GuardrailConfig) string {
	parts := []string{basePersona}
	if cfg != nil {
		if list := nonEmpty(cfg.Whitelist); len(list) > 0 {
			parts = append(parts, "Only discuss: "+strings.Join(list, ", ")+".")
		}
		if list := nonEmpty(cfg.Blacklist); len(list) > 0 {
			parts = append(parts, "Never discuss: "+strings.Join(list, ", ")+".")
		}
		if custom := strings.TrimSpace(cfg.CustomInstructions); custom != "" {
			parts = append(parts, custom)
		}
	}
	return strings.Join(parts, " ")
}

// LoadConfig reads the chatbot guardrail setting. A missing row yields a nil config.
func LoadConfig(ctx context.Context, store storage.GuardrailStore) (*models.GuardrailConfig, error) {
	setting, err := store.GetGuardrailSetting(ctx, models.GuardrailConfigKey)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := models.DecodeGuardrailConfig(setting)
	if err != nil {
		return nil, apperrors.Configuration("invalid guardrail settings", err)
	}
	return cfg, nil
}

// firstContained returns the first non-empty term that occurs in lower.
func firstContained(lower string, terms []string) (string, bool) {
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

func nonEmpty(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
