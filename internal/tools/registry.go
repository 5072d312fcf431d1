// Package tools holds the static tool table a run can call and the per-run
// context inline tools mutate.
//
// The registry is built once at startup from an explicit list; nothing
// registers itself.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ashita-ai/machi/internal/fault"
)

// Execution says how a tool's result is produced.
type Execution string

const (
	// Inline tools run in-process through their Executor.
	Inline Execution = "inline"
	// Wait tools are executed by an external worker; the run waits for the
	// result for a bounded time and carries on without it on timeout.
	Wait Execution = "wait"
	// Async tools are executed externally and the run does not wait; the
	// result arrives later through the inbox.
	Async Execution = "async"
	// Client tools are rendered to a human or UI with no bounded wait. The
	// run suspends in waiting_tool until the result is posted.
	Client Execution = "client"
)

// Valid reports whether e is a known execution kind.
func (e Execution) Valid() bool {
	switch e {
	case Inline, Wait, Async, Client:
		return true
	}
	return false
}

// Executor runs an inline tool. Returned errors are shown to the model as
// {"error": ...} results.
type Executor func(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error)

// Tool is one entry in the registry.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema for the arguments. Empty accepts anything.
	Schema    json.RawMessage
	Execution Execution
	// Timeout overrides the default bounded wait for Wait tools.
	Timeout  time.Duration
	Executor Executor
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is an immutable, name-indexed tool table.
type Registry struct {
	byName map[string]*entry
	order  []string
	logger *slog.Logger
}

// NewRegistry compiles every tool's schema and rejects duplicates and
// inline tools without an executor.
func NewRegistry(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]*entry, len(tools)), logger: logger}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools: tool with empty name")
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		if !t.Execution.Valid() {
			return nil, fmt.Errorf("tools: %s: unknown execution %q", t.Name, t.Execution)
		}
		if t.Execution == Inline && t.Executor == nil {
			return nil, fmt.Errorf("tools: %s: inline tool needs an executor", t.Name)
		}
		e := &entry{tool: t}
		if len(t.Schema) > 0 {
			s, err := compileSchema(t.Name, t.Schema)
			if err != nil {
				return nil, err
			}
			e.schema = s
		}
		r.byName[t.Name] = e
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: %s: unmarshal schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: %s: add schema resource: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile schema: %w", name, err)
	}
	return s, nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	e, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Schemas lists the tools in registration order.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name].tool
		out = append(out, Schema{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// Validate checks args against the tool's schema. Unknown tools and
// schema violations are Validation faults.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	const op = "tools.validate"
	e, ok := r.byName[name]
	if !ok {
		return fault.Errorf(fault.Validation, op, "unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fault.Errorf(fault.Validation, op, "%s: args are not valid JSON: %v", name, err)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(v); err != nil {
		return fault.Errorf(fault.Validation, op, "%s: %v", name, err)
	}
	return nil
}

// Execute runs an inline tool. Errors and panics from the executor become
// an error result; they never escape. A call that succeeded is noted on
// rc so later messages can list it as a preceding action.
func (r *Registry) Execute(ctx context.Context, rc *RunContext, name string, args json.RawMessage) (result json.RawMessage, failed bool) {
	e, ok := r.byName[name]
	if !ok || e.tool.Execution != Inline {
		return ErrorResult(fmt.Errorf("tool %q cannot be executed inline", name)), true
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tools: executor panicked",
				"tool", name, "panic", p, "stack", string(debug.Stack()))
			result, failed = ErrorResult(fmt.Errorf("tool %s panicked: %v", name, p)), true
		}
		if rc != nil && !failed {
			rc.NoteAction(name)
		}
	}()

	out, err := e.tool.Executor(ctx, rc, args)
	if err != nil {
		return ErrorResult(err), true
	}
	if len(out) == 0 {
		out = json.RawMessage(`{"ok":true}`)
	}
	return out, false
}

// ErrorResult renders err as the structured result the model sees.
func ErrorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

// TimeoutResult is the result shown to the model when a bounded wait ends
// without an answer.
func TimeoutResult(name, correlationID string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"error":          fmt.Sprintf("tool %s timed out; a late result will arrive in a future run", name),
		"correlation_id": correlationID,
	})
	return b
}
