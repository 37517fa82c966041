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
)

var _ Completer = (*OllamaClient)(nil)

const DefaultOllamaTimeout = 120 * time.Second

// OllamaClient calls a local Ollama server's /api/chat endpoint.
type OllamaClient struct {
	client      *http.Client
	baseURL     string
	model       string
	maxTokens   int
	temperature *float64
	timeout     time.Duration
}

// NewOllamaClient leaves the temperature to the model default when it is nil. timeout bounds
// a whole non-streaming call and every wait for the next streamed chunk.
func NewOllamaClient(baseURL, model string, maxTokens int, temperature *float64, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = DefaultOllamaTimeout
	}
	return &OllamaClient{
		client:      newStreamingHTTPClient(timeout),
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	// DoneReason is "stop" or "length".
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (o *OllamaClient) buildRequest(req CompletionRequest, stream bool) ollamaChatRequest {
	model := o.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	options := map[string]any{}
	if t := pickTemperature(req.Temperature, o.temperature); t != nil {
		options["temperature"] = *t
	}
	if n := req.MaxTokens; n > 0 {
		options["num_predict"] = n
	} else if o.maxTokens > 0 {
		options["num_predict"] = o.maxTokens
	}

	return ollamaChatRequest{Model: model, Messages: messages, Stream: stream, Options: options}
}

func (o *OllamaClient) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var r ollamaChatResponse
		if json.Unmarshal(raw, &r) == nil && r.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, r.Error)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}

func (o *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.post(ctx, o.buildRequest(req, false))
	if err != nil {
		return nil, apperrors.Provider("ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Provider("ollama", fmt.Errorf("decode response: %w", err))
	}
	if result.Error != "" {
		return nil, apperrors.Provider("ollama", fmt.Errorf("%s", result.Error))
	}

	return &Completion{
		Content:    result.Message.Content,
		StopReason: result.DoneReason,
		Usage:      Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount},
	}, nil
}

// Stream reads newline-delimited JSON chunks until one reports done.
func (o *OllamaClient) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, apperrors.Provider("ollama", err)
	}

	body := newIdleTimeoutBody(resp.Body, o.timeout, cancel)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return NewStream("ollama", &ollamaDecoder{scanner: scanner}, func() error {
		cancel()
		return body.Close()
	}), nil
}

func (o *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return apperrors.Provider("ollama", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return apperrors.Provider("ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Provider("ollama", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

type ollamaDecoder struct {
	scanner *bufio.Scanner
	result  Completion
	done    bool
}

func (d *ollamaDecoder) Decode() (string, error) {
	if d.done {
		return "", io.EOF
	}
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("%s", chunk.Error)
		}
		if chunk.Done {
			d.done = true
			d.result.StopReason = chunk.DoneReason
			d.result.Usage = Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount}
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		return chunk.Message.Content, nil
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func (d *ollamaDecoder) Result() Completion { return d.result }
