package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/correlation"
	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/modelclient"
	"github.com/ashita-ai/machi/internal/tools"
)

// dispatch satisfies one tool request and reports whether the run must
// suspend. Tool failures become results; only validation, correlation and
// store errors are returned, and those fail the run.
func (m *Machine) dispatch(ctx context.Context, rc *tools.RunContext, run model.Run, req modelclient.ToolRequest) (bool, error) {
	const op = "runstate.dispatch"
	existing, err := m.Store.ListToolCalls(ctx, run.ID)
	if err != nil {
		return false, fault.Persist(op, err)
	}
	seq := len(existing) + 1
	id := req.ID
	for _, c := range existing {
		if c.ID == id {
			id = ""
			break
		}
	}
	if id == "" {
		id = fmt.Sprintf("call_%d", seq)
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	rec := model.ToolCallRecord{ID: id, RunID: run.ID, Seq: seq, ToolName: req.Name, Args: args}

	if verr := m.Registry.Validate(req.Name, args); verr != nil {
		rec.Status = model.ToolCallFailed
		rec.Result = tools.ErrorResult(verr)
		if err := m.Store.RecordToolCall(ctx, rec); err != nil {
			return false, fault.Persist(op, err)
		}
		return false, verr
	}
	tool, _ := m.Registry.Lookup(req.Name)

	switch tool.Execution {
	case tools.Inline:
		rec.Status = model.ToolCallRunning
		if err := m.Store.RecordToolCall(ctx, rec); err != nil {
			return false, fault.Persist(op, err)
		}
		result, failed := m.Registry.Execute(ctx, rc, req.Name, args)
		status := model.ToolCallCompleted
		if failed {
			status = model.ToolCallFailed
		}
		return false, m.updateCall(ctx, run, id, status, result)

	case tools.Wait:
		timeout := tool.Timeout
		if timeout <= 0 {
			timeout = m.cfg.ToolTimeout
		}
		corrID, err := m.openCall(ctx, rc, run, req.Name, args, model.CallModeSync, timeout, &rec, model.ToolCallWaiting)
		if err != nil {
			return false, err
		}
		result, ok, err := m.Correlation.AwaitResolution(ctx, corrID, timeout)
		if err != nil {
			return false, err
		}
		if !ok {
			m.Logger.Info("runstate: tool timed out", "run_id", run.ID, "tool", req.Name, "correlation_id", corrID)
			return false, m.updateCall(ctx, run, id, model.ToolCallTimedOut, tools.TimeoutResult(req.Name, corrID))
		}
		return false, m.updateCall(ctx, run, id, model.ToolCallCompleted, result)

	case tools.Async:
		rec.Result, _ = json.Marshal(map[string]string{"status": "dispatched", "note": "the result will arrive as a new trigger"})
		_, err := m.openCall(ctx, rc, run, req.Name, args, model.CallModeAsync, 0, &rec, model.ToolCallPending)
		return false, err

	case tools.Client:
		if _, err := m.openCall(ctx, rc, run, req.Name, args, model.CallModeAsync, 0, &rec, model.ToolCallWaiting); err != nil {
			return false, err
		}
		m.renderToSpace(ctx, rc, run, req.Name, args)
		return true, nil
	}
	return false, fault.Errorf(fault.Validation, op, "tool %s has no execution path", req.Name)
}

// openCall creates the pending call, logs the tool call against it,
// announces it to external workers and notes it as an action of the run.
func (m *Machine) openCall(ctx context.Context, rc *tools.RunContext, run model.Run, name string, args json.RawMessage,
	mode model.CallMode, timeout time.Duration, rec *model.ToolCallRecord, status model.ToolCallStatus) (string, error) {
	corrID, err := m.Correlation.CreatePendingCall(ctx, correlation.CreateRequest{
		RunID:    run.ID,
		AgentID:  run.AgentID,
		ToolName: name,
		Args:     args,
		Mode:     mode,
		Timeout:  timeout,
	})
	if err != nil {
		return "", err
	}
	rec.Status = status
	rec.CorrelationID = &corrID
	if err := m.Store.RecordToolCall(ctx, *rec); err != nil {
		return "", fault.Persist("runstate.dispatch", err)
	}
	m.announce(ctx, run, corrID, name, args)
	rc.NoteAction(name)
	return corrID, nil
}

func (m *Machine) updateCall(ctx context.Context, run model.Run, id string, status model.ToolCallStatus, result json.RawMessage) error {
	if err := m.Store.UpdateToolCall(ctx, run.ID, id, status, result); err != nil {
		return fault.Persist("runstate.dispatch", err)
	}
	return nil
}

func (m *Machine) announce(ctx context.Context, run model.Run, corrID, name string, args json.RawMessage) {
	if m.Bus == nil {
		return
	}
	payload, err := json.Marshal(model.ToolCallEvent{
		Type:       "tool.call",
		ToolCallID: corrID,
		ToolName:   name,
		Args:       args,
		RunID:      run.ID.String(),
	})
	if err != nil {
		return
	}
	if err := m.Bus.Publish(ctx, bus.ToolsChannel, payload); err != nil {
		m.Logger.Warn("runstate: announce tool call", "run_id", run.ID, "correlation_id", corrID, "error", err)
	}
}

// renderToSpace shows a client tool call in the run's active space so a
// human can answer it.
func (m *Machine) renderToSpace(ctx context.Context, rc *tools.RunContext, run model.Run, name string, args json.RawMessage) {
	space := rc.ActiveSpace()
	if space == "" {
		return
	}
	runID := run.ID
	if _, err := m.Store.AppendMessage(ctx, model.Message{
		SpaceID:  space,
		SenderID: run.AgentID,
		Kind:     model.MessageToolCall,
		ToolCall: &model.ToolCallContent{Name: name, Args: args},
		RunID:    &runID,
	}); err != nil {
		m.Logger.Warn("runstate: render tool call", "run_id", run.ID, "space_id", space, "error", err)
	}
}
