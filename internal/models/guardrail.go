package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// GuardrailConfigKey is the settings row holding the chatbot's GuardrailConfig.
const GuardrailConfigKey = "chatbot"

// GuardrailSetting is a keyed configuration row as stored.
type GuardrailSetting struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// GuardrailConfig is the typed policy applied by the guardrails engine.
// Zero values mean "not configured".
type GuardrailConfig struct {
	Whitelist          []string `json:"whitelist,omitempty"`
	Blacklist          []string `json:"blacklist,omitempty"`
	EnforceWhitelist   bool     `json:"enforce_whitelist,omitempty"`
	FilterProfanity    bool     `json:"filter_profanity,omitempty"`
	MaxRequestsPerHour int      `json:"max_requests_per_hour,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
	TopK               int      `json:"top_k,omitempty"`
}

// DecodeGuardrailConfig parses the value of a guardrail setting.
func DecodeGuardrailConfig(s *GuardrailSetting) (*GuardrailConfig, error) {
	if s == nil || len(s.Value) == 0 {
		return nil, nil
	}
	var cfg GuardrailConfig
	if err := json.Unmarshal(s.Value, &cfg); err != nil {
		return nil, fmt.Errorf("decode guardrail config %q: %w", s.Key, err)
	}
	if cfg.MaxRequestsPerHour < 0 {
		return nil, fmt.Errorf("guardrail config %q: max_requests_per_hour must not be negative", s.Key)
	}
	return &cfg, nil
}

// EncodeGuardrailConfig builds the settings row for cfg.
func EncodeGuardrailConfig(cfg GuardrailConfig, description, updatedBy string) (*GuardrailSetting, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode guardrail config: %w", err)
	}
	return &GuardrailSetting{
		Key:         GuardrailConfigKey,
		Value:       raw,
		Description: description,
		UpdatedBy:   updatedBy,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// ValidationResult is the outcome of an input or output check.
type ValidationResult struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	FilteredText string `json:"filtered_text,omitempty"`
}

// RateLimitResult is the outcome of a rate-limit check.
type RateLimitResult struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// TopicResult is the outcome of a topic check.
type TopicResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
