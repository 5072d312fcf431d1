// Package modelclient defines the boundary to the language model. Provider
// adapters live outside this module; Scripted drives runs in tests and
// local development.
package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/tools"
)

// ToolRequest is one tool call the model wants made.
type ToolRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Response is either a final answer (no ToolRequests) or a set of tool
// requests to satisfy before the next invocation.
type Response struct {
	Text         string        `json:"text,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	Usage        model.Usage   `json:"usage"`
}

// Final reports whether the response ends the run.
func (r Response) Final() bool { return len(r.ToolRequests) == 0 }

// Request is what the model sees: the assembled context text and the
// tools it may call.
type Request struct {
	RunID   string
	Context string
	Tools   []tools.Schema
}

// Client invokes a model.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Noop answers every request with an empty final answer.
type Noop struct{}

// Invoke implements Client.
func (Noop) Invoke(context.Context, Request) (Response, error) {
	return Response{}, nil
}

// ErrScriptExhausted is returned when a Scripted client runs out of steps.
var ErrScriptExhausted = errors.New("modelclient: script exhausted")

// Step produces one response. It sees the request so tests can assert on
// the context the model was given.
type Step func(req Request) (Response, error)

// Scripted replays steps in order, one per Invoke, across all runs.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScripted creates a client that plays steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Invoke implements Client.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return Response{}, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step(req)
}

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Answer is a Step that returns a final answer.
func Answer(text string) Step {
	return func(Request) (Response, error) {
		return Response{Text: text, Usage: model.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

// Call is a Step that requests one tool call.
func Call(id, name, args string) Step {
	return func(Request) (Response, error) {
		return Response{
			ToolRequests: []ToolRequest{{ID: id, Name: name, Args: json.RawMessage(args)}},
			Usage:        model.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// Fail is a Step that returns err.
func Fail(err error) Step {
	return func(Request) (Response, error) { return Response{}, err }
}
