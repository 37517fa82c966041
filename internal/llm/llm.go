// Package llm talks to chat completion providers, with and without streaming.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

// Message is one prior turn sent to the provider.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// CompletionRequest is provider-neutral. Zero MaxTokens, empty Model and a nil Temperature
// fall back to the client's configuration. A Temperature of 0 is sent as is.
type CompletionRequest struct {
	Messages    []Message
	System      string
	MaxTokens   int
	Temperature *float64
	Model       string
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 { return &v }

func pickTemperature(req, fallback *float64) *float64 {
	if req != nil {
		return req
	}
	return fallback
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is a finished provider response.
type Completion struct {
	Content    string
	ID         string
	StopReason string
	Usage      Usage
}

// Completer is implemented by every completion provider.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req CompletionRequest) (*Stream, error)
}

// Pinger is implemented by providers that can check their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Decoder yields the text deltas of one streamed response.
type Decoder interface {
	// Decode returns the next delta, which may be empty, or io.EOF after the final event.
	Decode() (string, error)
	// Result returns the id, stop reason and usage gathered while decoding.
	Result() Completion
}

// Stream iterates over a streamed completion:
//
//	for s.Next() {
//		fmt.Print(s.Delta())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	dec     Decoder
	closeFn func() error
	service string

	delta    string
	err      error
	finished bool
	content  strings.Builder

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps dec. closeFn releases the underlying connection and is called once.
func NewStream(service string, dec Decoder, closeFn func() error) *Stream {
	return &Stream{dec: dec, closeFn: closeFn, service: service}
}

// Next advances to the next non-empty delta. It returns false at the end of the stream or
// on error, and releases the connection in both cases.
func (s *Stream) Next() bool {
	for !s.finished {
		delta, err := s.dec.Decode()
		if errors.Is(err, io.EOF) {
			s.finished = true
			break
		}
		if err != nil {
			s.err = apperrors.Provider(s.service, err)
			s.finished = true
			break
		}
		if delta == "" {
			continue
		}
		s.delta = delta
		s.content.WriteString(delta)
		return true
	}
	s.delta = ""
	_ = s.Close()
	return false
}

func (s *Stream) Delta() string { return s.delta }
func (s *Stream) Err() error    { return s.err }

// Completion returns the full response once Next has returned false without error.
func (s *Stream) Completion() *Completion {
	if !s.finished || s.err != nil {
		return nil
	}
	c := s.dec.Result()
	c.Content = s.content.String()
	return &c
}

// Close aborts the stream if it is still running.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// ErrStreamIdle is returned by a stream whose provider stopped sending data.
var ErrStreamIdle = errors.New("stream idle")

// idleTimeoutBody cancels the request when a single read blocks for longer than timeout.
// Time spent by the consumer between reads does not count.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() {
		b.expired.Store(true)
		cancel()
	})
	b.timer.Stop()
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.expired.Load() {
		return 0, b.idleErr()
	}
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err != nil && b.expired.Load() {
		err = b.idleErr()
	}
	return n, err
}

func (b *idleTimeoutBody) idleErr() error {
	return fmt.Errorf("%w: no data for %s", ErrStreamIdle, b.timeout)
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
