// Package llmtest provides a scripted Completer for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/llm"
)

// ErrUnavailable is the cause of every scripted failure.
var ErrUnavailable = errors.New("mock completion provider unavailable")

// Completer replies with Reply, streamed as Deltas when set.
type Completer struct {
	Reply  string
	Deltas []string

	mu         sync.Mutex
	shouldFail bool
	// failAfter makes a stream fail after that many deltas; 0 disables.
	failAfter int
	requests  []llm.CompletionRequest
}

func New(reply string) *Completer {
	return &Completer{Reply: reply}
}

func (c *Completer) SetShouldFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldFail = fail
}

// SetFailAfter makes streams break after n deltas.
func (c *Completer) SetFailAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAfter = n
}

// Requests returns a copy of every request received.
func (c *Completer) Requests() []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.CompletionRequest(nil), c.requests...)
}

func (c *Completer) record(req llm.CompletionRequest) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.shouldFail, c.failAfter
}

func (c *Completer) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	fail, _ := c.record(req)
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Provider("mock completion", err)
	}
	if fail {
		return nil, apperrors.Provider("mock completion", ErrUnavailable)
	}
	return &llm.Completion{
		Content:    c.Reply,
		ID:         "msg_mock",
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: len(strings.Fields(c.Reply))},
	}, nil
}

func (c *Completer) Stream(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	fail, failAfter := c.record(req)
	if fail {
		return nil, apperrors.Provider("mock completion", ErrUnavailable)
	}
	deltas := c.Deltas
	if deltas == nil {
		deltas = []string{c.Reply}
	}
	return llm.NewStream("mock completion", &sliceDecoder{
		ctx:       ctx,
		deltas:    deltas,
		failAfter: failAfter,
		outTokens: len(strings.Fields(strings.Join(deltas, ""))),
	}, nil), nil
}

type sliceDecoder struct {
	ctx       context.Context
	deltas    []string
	pos       int
	failAfter int
	outTokens int
}

func (d *sliceDecoder) Decode() (string, error) {
	if err := d.ctx.Err(); err != nil {
		return "", err
	}
	if d.failAfter > 0 && d.pos >= d.failAfter {
		return "", ErrUnavailable
	}
	if d.pos >= len(d.deltas) {
		return "", io.EOF
	}
	delta := d.deltas[d.pos]
	d.pos++
	return delta, nil
}

func (d *sliceDecoder) Result() llm.Completion {
	return llm.Completion{ID: "msg_mock", StopReason: "end_turn", Usage: llm.Usage{InputTokens: 10, OutputTokens: d.outTokens}}
}
