package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

var _ Completer = (*AnthropicClient)(nil)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAnthropicModel   = "claude-3-5-haiku-latest"
	DefaultAnthropicTimeout = 60 * time.Second
	anthropicVersion        = "2023-06-01"
	defaultMaxTokens        = 1024
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	// Temperature is left to the API default when nil.
	Temperature *float64
	// Timeout bounds a whole non-streaming call. When streaming it bounds the wait for
	// response headers and every wait for the next chunk of the body.
	Timeout time.Duration
}

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	client  *http.Client
	cfg     AnthropicConfig
	baseURL string
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// NewAnthropicClient requires an API key.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configuration("anthropic: API key is required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAnthropicTimeout
	}

	return &AnthropicClient{
		client:  newStreamingHTTPClient(cfg.Timeout),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// newStreamingHTTPClient has no overall timeout, which would cut long streams short.
func newStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

func (a *AnthropicClient) buildRequest(req CompletionRequest, stream bool) anthropicRequest {
	body := anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    req.System,
		Messages:  make([]Message, 0, len(req.Messages)),
		Stream:    stream,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	body.Temperature = pickTemperature(req.Temperature, a.cfg.Temperature)
	// The Messages API takes the system prompt separately.
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	return body
}

func (a *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, anthropicStatusError(resp)
	}
	return resp, nil
}

func (a *AnthropicClient) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", a.cfg.APIKey)
	r.Header.Set("anthropic-version", anthropicVersion)
}

func anthropicStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr anthropicError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
		return fmt.Errorf("status %d: %s: %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func (a *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	resp, err := a.post(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, apperrors.Provider("anthropic", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Provider("anthropic", fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Content:    text.String(),
		ID:         out.ID,
		StopReason: out.StopReason,
		Usage:      out.Usage,
	}, nil
}

// Stream starts a server-sent-events completion. Cancelling ctx or closing the stream
// drops the connection, as does a provider that sends nothing for the configured timeout.
func (a *AnthropicClient) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := a.post(ctx, a.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, apperrors.Provider("anthropic", err)
	}

	body := newIdleTimeoutBody(resp.Body, a.cfg.Timeout, cancel)
	return NewStream("anthropic", newAnthropicDecoder(body), func() error {
		cancel()
		return body.Close()
	}), nil
}

// Ping lists models, which needs a valid key but no inference.
func (a *AnthropicClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", http.NoBody)
	if err != nil {
		return apperrors.Provider("anthropic", err)
	}
	a.setHeaders(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return apperrors.Provider("anthropic", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Provider("anthropic", anthropicStatusError(resp))
	}
	return nil
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Usage Usage  `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicDecoder reads the SSE body. Each event carries a single data line.
type anthropicDecoder struct {
	scanner *bufio.Scanner
	result  Completion
	stopped bool
}

func newAnthropicDecoder(body io.Reader) *anthropicDecoder {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &anthropicDecoder{scanner: scanner}
}

func (d *anthropicDecoder) Decode() (string, error) {
	if d.stopped {
		return "", io.EOF
	}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return "", fmt.Errorf("decode event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				d.result.ID = ev.Message.ID
				d.result.Usage.InputTokens = ev.Message.Usage.InputTokens
				d.result.Usage.OutputTokens = ev.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				return ev.Delta.Text, nil
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				d.result.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				d.result.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			d.stopped = true
			return "", io.EOF
		case "error":
			if ev.Error != nil {
				return "", fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return "", fmt.Errorf("stream error")
		}
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func (d *anthropicDecoder) Result() Completion { return d.result }
