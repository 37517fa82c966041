package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

func testRequest() CompletionRequest {
	return CompletionRequest{
		System: "be helpful",
		Messages: []Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleUser, Content: "what is GDPR?"},
		},
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	raw, _ := json.Marshal(data)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestNewAnthropicClient_RequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(AnthropicConfig{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be helpful", req.System)
		assert.Equal(t, 256, req.MaxTokens)
		assert.Len(t, req.Messages, 3)
		assert.False(t, req.Stream)

		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"content": [{"type": "text", "text": "GDPR is "}, {"type": "text", "text": "a regulation."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "sk-ant", BaseURL: srv.URL, MaxTokens: 256})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "GDPR is a regulation.", out.Content)
	assert.Equal(t, "msg_1", out.ID)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 5}, out.Usage)
}

func TestAnthropicClient_CompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
	assert.Contains(t, err.Error(), "rate_limit_error")

	_, err = c.Stream(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
}

func TestAnthropicClient_CompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
}

func TestAnthropicClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", map[string]any{
			"type":    "message_start",
			"message": map[string]any{"id": "msg_2", "usage": map[string]int{"input_tokens": 20, "output_tokens": 1}},
		})
		writeSSE(w, "ping", map[string]any{"type": "ping"})
		for _, text := range []string{"Hello", ", ", "world"} {
			writeSSE(w, "content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]string{"type": "text_delta", "text": text},
			})
		}
		writeSSE(w, "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]string{"stop_reason": "end_turn"},
			"usage": map[string]int{"output_tokens": 3},
		})
		writeSSE(w, "message_stop", map[string]any{"type": "message_stop"})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var deltas []string
	for s.Next() {
		deltas = append(deltas, s.Delta())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"Hello", ", ", "world"}, deltas)

	final := s.Completion()
	require.NotNil(t, final)
	assert.Equal(t, "Hello, world", final.Content)
	assert.Equal(t, "msg_2", final.ID)
	assert.Equal(t, "end_turn", final.StopReason)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 3}, final.Usage)
}

func TestAnthropicClient_StreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, "content_block_delta", map[string]any{
			"type": "content_block_delta", "delta": map[string]string{"type": "text_delta", "text": "partial"},
		})
		writeSSE(w, "error", map[string]any{
			"type": "error", "error": map[string]string{"type": "overloaded_error", "message": "Overloaded"},
		})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	for s.Next() {
	}
	require.Error(t, s.Err())
	assert.True(t, apperrors.IsProvider(s.Err()))
	assert.Nil(t, s.Completion())
}

func TestAnthropicClient_StreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, "content_block_delta", map[string]any{
			"type": "content_block_delta", "delta": map[string]string{"type": "text_delta", "text": "partial"},
		})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	for s.Next() {
	}
	assert.Error(t, s.Err(), "a stream without message_stop is incomplete")
}

func TestAnthropicClient_StreamCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "content_block_delta", map[string]any{
			"type": "content_block_delta", "delta": map[string]string{"type": "text_delta", "text": "first"},
		})
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Stream(ctx, testRequest())
	require.NoError(t, err)

	require.True(t, s.Next())
	assert.Equal(t, "first", s.Delta())

	cancel()
	done := make(chan bool)
	go func() { done <- s.Next() }()

	select {
	case more := <-done:
		assert.False(t, more)
		require.Error(t, s.Err())
		assert.True(t, apperrors.IsProvider(s.Err()))
		assert.Nil(t, s.Completion())
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestAnthropicClient_StreamStalled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "message_start", map[string]any{
			"type": "message_start", "message": map[string]any{"id": "msg_3"},
		})
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- s.Next() }()

	select {
	case more := <-done:
		assert.False(t, more)
		require.Error(t, s.Err())
		assert.True(t, apperrors.IsProvider(s.Err()))
		assert.ErrorIs(t, s.Err(), ErrStreamIdle)
		assert.Nil(t, s.Completion())
	case <-time.After(2 * time.Second):
		t.Fatal("stalled stream was not cut off")
	}
}

func TestAnthropicClient_StreamSlowConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, text := range []string{"one", "two"} {
			writeSSE(w, "content_block_delta", map[string]any{
				"type": "content_block_delta", "delta": map[string]string{"type": "text_delta", "text": text},
			})
		}
		writeSSE(w, "message_stop", map[string]any{"type": "message_stop"})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var got string
	for s.Next() {
		got += s.Delta()
		time.Sleep(150 * time.Millisecond)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, "onetwo", got)
}

func TestAnthropicClient_Temperature(t *testing.T) {
	var got []*float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req.Temperature)
		_, _ = w.Write([]byte(`{"id":"m","content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Temperature: Float64(0.7)})
	require.NoError(t, err)

	req := testRequest()
	_, err = c.Complete(context.Background(), req)
	require.NoError(t, err)
	req.Temperature = Float64(0)
	_, err = c.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.NotNil(t, got[0])
	assert.Equal(t, 0.7, *got[0])
	require.NotNil(t, got[1], "a zero temperature must be sent")
	assert.Equal(t, 0.0, *got[1])
}

func TestOllamaClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 4)
		assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "be helpful", req.Messages[0].Content)
		assert.EqualValues(t, 100, req.Options["num_predict"])
		assert.EqualValues(t, 0.2, req.Options["temperature"])

		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"It is a law."},
			"done":true,"done_reason":"stop","prompt_eval_count":30,"eval_count":4}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 100, Float64(0.2), time.Second)
	out, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "It is a law.", out.Content)
	assert.Equal(t, "stop", out.StopReason)
	assert.Equal(t, Usage{InputTokens: 30, OutputTokens: 4}, out.Usage)
}

func TestOllamaClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"It ", "is ", "a law."} {
			_, _ = fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":3}` + "\n"))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 0, nil, time.Second)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var got string
	for s.Next() {
		got += s.Delta()
	}
	require.NoError(t, s.Err())
	assert.Equal(t, "It is a law.", got)
	final := s.Completion()
	require.NotNil(t, final)
	assert.Equal(t, "It is a law.", final.Content)
	assert.Equal(t, 3, final.Usage.OutputTokens)
}

func TestOllamaClient_StreamStalled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"It "},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 0, nil, 100*time.Millisecond)
	s, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, "It ", s.Delta())

	done := make(chan bool)
	go func() { done <- s.Next() }()

	select {
	case more := <-done:
		assert.False(t, more)
		require.Error(t, s.Err())
		assert.True(t, apperrors.IsProvider(s.Err()))
		assert.ErrorIs(t, s.Err(), ErrStreamIdle)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled stream was not cut off")
	}
}

func TestOllamaClient_ZeroTemperature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		temp, ok := req.Options["temperature"]
		assert.True(t, ok, "a zero temperature must be sent")
		assert.EqualValues(t, 0, temp)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 0, Float64(0.8), time.Second)
	req := testRequest()
	req.Temperature = Float64(0)
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
}

func TestOllamaClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama3' not found"}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 0, nil, time.Second)
	_, err := c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
	assert.Contains(t, err.Error(), "not found")

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
