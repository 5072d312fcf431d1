// Package runstate drives a run from trigger to terminal state.
//
//	running -> waiting_tool -> running
//	running | waiting_tool -> completed | failed
//
// Every status write goes through storage TransitionRun, so a terminal run
// is never reopened even when two goroutines race to finish it.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/contextasm"
	"github.com/ashita-ai/machi/internal/correlation"
	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/modelclient"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/telemetry"
	"github.com/ashita-ai/machi/internal/tools"
)

// ErrCancelled is recorded on runs stopped through Cancel.
var ErrCancelled = errors.New("run cancelled")

// Config bounds a run.
type Config struct {
	// MaxSteps caps model invocations per run.
	MaxSteps int
	// ToolTimeout is the default bounded wait for Wait tools.
	ToolTimeout time.Duration
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Store       storage.Store
	Correlation *correlation.Manager
	Assembler   *contextasm.Assembler
	Client      modelclient.Client
	Registry    *tools.Registry
	// Bus announces tool calls on bus.ToolsChannel. Optional.
	Bus    bus.Bus
	Logger *slog.Logger
}

// Machine runs agent runs. It is safe for concurrent use; each run is
// driven by the goroutine that started it.
type Machine struct {
	Deps
	cfg Config

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc

	tracer   trace.Tracer
	finished metric.Int64Counter
}

// New creates a Machine.
func New(deps Deps, cfg Config) *Machine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 25
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	m := &Machine{
		Deps:     deps,
		cfg:      cfg,
		inflight: make(map[uuid.UUID]context.CancelFunc),
		tracer:   telemetry.Tracer("machi/runstate"),
	}
	var err error
	if m.finished, err = telemetry.Meter("machi/runstate").Int64Counter("machi.runs.finished",
		metric.WithDescription("Runs reaching a terminal state, by status")); err != nil {
		deps.Logger.Warn("runstate: create runs counter", "error", err)
	}
	return m
}

// Trigger is an inbound request to start a run.
type Trigger struct {
	AgentID      string
	Type         model.TriggerType
	Payload      json.RawMessage
	InboxEventID *uuid.UUID
	ParentRunID  *uuid.UUID
}

// Start validates the trigger, creates a running run and drives it until
// it completes, fails or suspends in waiting_tool. The returned error is
// non-nil only when no run could be created; a run that fails is returned
// with status failed.
func (m *Machine) Start(ctx context.Context, t Trigger) (model.Run, error) {
	const op = "runstate.start"
	if t.AgentID == "" {
		return model.Run{}, fault.Errorf(fault.Validation, op, "agent id is required")
	}
	if err := model.ValidateTrigger(t.Type, t.Payload); err != nil {
		return model.Run{}, fault.New(fault.Validation, op, err)
	}

	run, err := m.Store.CreateRun(ctx, model.Run{
		AgentID:        t.AgentID,
		ParentRunID:    t.ParentRunID,
		TriggerType:    t.Type,
		TriggerPayload: t.Payload,
		InboxEventID:   t.InboxEventID,
	})
	if err != nil {
		return model.Run{}, fault.Persist(op, err)
	}
	m.Logger.Info("runstate: run started",
		"run_id", run.ID, "agent_id", run.AgentID, "trigger_type", run.TriggerType, "cycle", run.CycleNumber)

	if run.ParentRunID != nil {
		m.resumeParent(ctx, run)
	}
	return m.drive(ctx, run), nil
}

// StartFromInbox starts a run for a queued event. Late tool results
// finalize the run that was waiting for them.
func (m *Machine) StartFromInbox(ctx context.Context, ev model.InboxEvent) (model.Run, error) {
	t := Trigger{AgentID: ev.AgentID, Type: ev.Type, Payload: ev.Payload, InboxEventID: &ev.ID}
	if ev.Type == model.TriggerToolResult {
		var tr model.ToolResultTrigger
		if err := json.Unmarshal(ev.Payload, &tr); err == nil && tr.RunID != uuid.Nil {
			parent := tr.RunID
			t.ParentRunID = &parent
		}
	}
	return m.Start(ctx, t)
}

// resumeParent hands a late result to the run that asked for it. A parent
// that already finished is immutable, its tool log included; a parent
// suspended on the call gets the result recorded and is finalized.
func (m *Machine) resumeParent(ctx context.Context, run model.Run) {
	var tr model.ToolResultTrigger
	if err := json.Unmarshal(run.TriggerPayload, &tr); err != nil {
		return
	}
	parentID := *run.ParentRunID

	parent, err := m.Store.GetRun(ctx, parentID)
	if err != nil {
		m.Logger.Warn("runstate: load parent run", "run_id", parentID, "error", err)
		return
	}
	if !parent.Status.Active() {
		return
	}

	calls, err := m.Store.ListToolCalls(ctx, parentID)
	if err != nil {
		m.Logger.Warn("runstate: load parent tool calls", "run_id", parentID, "error", err)
	}
	for _, c := range calls {
		if c.CorrelationID != nil && *c.CorrelationID == tr.CorrelationID {
			if err := m.Store.UpdateToolCall(ctx, parentID, c.ID, model.ToolCallCompleted, tr.Result); err != nil {
				m.Logger.Warn("runstate: record late result", "run_id", parentID, "error", err)
			}
			break
		}
	}

	if parent.Status != model.RunStatusWaitingTool {
		return
	}
	resumed := run.ID
	if _, err := m.finish(ctx, parent, model.RunStatusCompleted, nil, "", &resumed); err != nil &&
		!errors.Is(err, storage.ErrInvalidTransition) {
		m.Logger.Warn("runstate: finalize suspended parent", "run_id", parentID, "error", err)
	}
}

// Cancel fails an active run and interrupts it if this process is driving
// it. An in-flight bounded wait ends as a timeout.
func (m *Machine) Cancel(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	run, err := m.Store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, fmt.Errorf("runstate.cancel: %w", err)
		}
		return model.Run{}, fault.Persist("runstate.cancel", err)
	}
	out, err := m.finish(ctx, run, model.RunStatusFailed, ErrCancelled, "", nil)
	m.mu.Lock()
	cancel := m.inflight[runID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return model.Run{}, err
	}
	return out, nil
}

func (m *Machine) track(runID uuid.UUID, cancel context.CancelFunc) func() {
	m.mu.Lock()
	m.inflight[runID] = cancel
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.inflight, runID)
		m.mu.Unlock()
		cancel()
	}
}

// drive runs the reasoning loop for a running run.
func (m *Machine) drive(parent context.Context, run model.Run) model.Run {
	ctx, span := m.tracer.Start(parent, "runstate.run", trace.WithAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("agent_id", run.AgentID),
		attribute.String("trigger_type", string(run.TriggerType)),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer m.track(run.ID, cancel)()

	out, err := m.loop(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil && parent.Err() == nil {
			// Cancelled through Cancel, which already failed the run.
			err = ErrCancelled
		}
		failed, ferr := m.finish(context.WithoutCancel(ctx), out, model.RunStatusFailed, err, "", nil)
		if ferr != nil {
			if !errors.Is(ferr, storage.ErrInvalidTransition) {
				m.Logger.Error("runstate: record failure", "run_id", run.ID, "error", ferr)
			}
			if cur, gerr := m.Store.GetRun(context.WithoutCancel(ctx), run.ID); gerr == nil {
				return cur
			}
			return out
		}
		return failed
	}
	span.SetAttributes(attribute.String("status", string(out.Status)))
	return out
}

// loop returns the run in its final or suspended state, or an error that
// must fail the run.
func (m *Machine) loop(ctx context.Context, run model.Run) (model.Run, error) {
	rc := tools.NewRunContext(run, m.Store)

	for {
		cur, err := m.Store.GetRun(ctx, run.ID)
		if err != nil {
			return run, fault.Persist("runstate.step", err)
		}
		run = cur
		if run.Status != model.RunStatusRunning {
			return run, nil
		}
		if run.StepCount >= m.cfg.MaxSteps {
			return run, fmt.Errorf("step limit of %d reached", m.cfg.MaxSteps)
		}

		resp, err := m.step(ctx, run)
		if err != nil {
			return run, err
		}
		if resp.Final() {
			return m.finish(ctx, run, model.RunStatusCompleted, nil, resp.Text, nil)
		}

		suspend := false
		for _, req := range resp.ToolRequests {
			s, err := m.dispatch(ctx, rc, run, req)
			if err != nil {
				return run, err
			}
			suspend = suspend || s
		}
		if suspend {
			out, err := m.Store.TransitionRun(ctx, run.ID,
				[]model.RunStatus{model.RunStatusRunning}, model.RunStatusWaitingTool, model.RunPatch{})
			if errors.Is(err, storage.ErrInvalidTransition) {
				return m.Store.GetRun(ctx, run.ID)
			}
			if err != nil {
				return run, fault.Persist("runstate.suspend", err)
			}
			m.Logger.Info("runstate: run waiting for tool", "run_id", run.ID)
			return out, nil
		}
	}
}

// step assembles context, invokes the model and records usage. Tool
// results shown in this step are acknowledged once the model has answered.
func (m *Machine) step(ctx context.Context, run model.Run) (modelclient.Response, error) {
	snap, err := m.Assembler.AssembleRun(ctx, run)
	if err != nil {
		return modelclient.Response{}, err
	}
	calls, err := m.Store.ListToolCalls(ctx, run.ID)
	if err != nil {
		return modelclient.Response{}, fault.Persist("runstate.step", err)
	}
	var shown []string
	for _, c := range calls {
		if !c.Acknowledged && len(c.Result) > 0 {
			shown = append(shown, c.ID)
		}
	}

	resp, err := m.Client.Invoke(ctx, modelclient.Request{
		RunID:   run.ID.String(),
		Context: snap.Text(),
		Tools:   m.Registry.Schemas(),
	})
	if err != nil {
		return modelclient.Response{}, fmt.Errorf("model client: %w", err)
	}

	if len(shown) > 0 {
		if err := m.Store.AckToolCalls(ctx, run.ID, shown); err != nil {
			return modelclient.Response{}, fault.Persist("runstate.step", err)
		}
	}
	if err := m.Store.RecordRunStep(ctx, run.ID, resp.Usage); err != nil {
		return modelclient.Response{}, fault.Persist("runstate.step", err)
	}
	return resp, nil
}

// finish moves run to a terminal status and records metrics.
func (m *Machine) finish(ctx context.Context, run model.Run, to model.RunStatus, cause error, finalText string, resumedBy *uuid.UUID) (model.Run, error) {
	cur, err := m.Store.GetRun(ctx, run.ID)
	if err == nil {
		run = cur
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("runstate: run %s is %s: %w", run.ID, run.Status, storage.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	metrics, _ := json.Marshal(model.RunMetrics{
		StepCount:    run.StepCount,
		DurationMS:   now.Sub(run.CreatedAt).Milliseconds(),
		InputTokens:  run.InputTokens,
		OutputTokens: run.OutputTokens,
		ResumedBy:    resumedBy,
		FinalText:    finalText,
	})
	patch := model.RunPatch{Metrics: metrics, CompletedAt: &now}
	if cause != nil {
		msg := cause.Error()
		patch.Error = &msg
	}

	out, err := m.Store.TransitionRun(ctx, run.ID, model.SourcesOf(to), to, patch)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return run, err
		}
		return run, fault.Persist("runstate.finish", err)
	}

	if to == model.RunStatusCompleted {
		m.markTriggerSeen(ctx, out)
	}
	if m.finished != nil {
		m.finished.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("status", string(to))))
	}
	if cause != nil {
		level := slog.LevelWarn
		if fault.Is(cause, fault.Persistence) {
			level = slog.LevelError
		}
		m.Logger.Log(ctx, level, "runstate: run failed",
			"run_id", run.ID, "agent_id", run.AgentID, "kind", fault.KindOf(cause).String(), "error", cause)
	} else {
		m.Logger.Info("runstate: run finished", "run_id", run.ID, "status", to, "steps", run.StepCount)
	}
	return out, nil
}

// markTriggerSeen advances the agent's cursor past the message that
// triggered a completed run.
func (m *Machine) markTriggerSeen(ctx context.Context, run model.Run) {
	if run.TriggerType != model.TriggerMessage {
		return
	}
	var t model.MessageTrigger
	if err := json.Unmarshal(run.TriggerPayload, &t); err != nil || t.SpaceID == "" {
		return
	}
	if err := m.Store.AdvanceCursor(ctx, t.SpaceID, run.AgentID, t.Seq); err != nil {
		m.Logger.Warn("runstate: advance cursor", "run_id", run.ID, "space_id", t.SpaceID, "error", err)
	}
}
