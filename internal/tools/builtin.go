package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
)

// Builtin returns the prebuilt inline tools. Each call returns fresh
// values, so callers may append their own tools to the slice.
func Builtin(store Store) []Tool {
	return []Tool{
		{
			Name:        "enter_space",
			Description: "Make a space you belong to the active space. Messages you send go there.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"space_id": {"type": "string", "minLength": 1}},
				"required": ["space_id"],
				"additionalProperties": false
			}`),
			Execution: Inline,
			Executor:  enterSpace,
		},
		{
			Name:        "send_message",
			Description: "Send a message to the active space, or to space_id when given.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "minLength": 1},
					"space_id": {"type": "string"}
				},
				"required": ["content"],
				"additionalProperties": false
			}`),
			Execution: Inline,
			Executor:  sendMessage(store),
		},
		{
			Name:        "set_memory",
			Description: "Remember a value under a key, replacing any previous value.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "minLength": 1, "maxLength": 200},
					"value": {"type": "string"}
				},
				"required": ["key", "value"],
				"additionalProperties": false
			}`),
			Execution: Inline,
			Executor:  setMemory(store),
		},
		{
			Name:        "delete_memory",
			Description: "Forget the value stored under a key.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"key": {"type": "string", "minLength": 1}},
				"required": ["key"],
				"additionalProperties": false
			}`),
			Execution: Inline,
			Executor:  deleteMemory(store),
		},
		{
			Name:        "set_goal",
			Description: "Adopt a new goal. Lower priority numbers come first.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"priority": {"type": "integer", "minimum": 0, "maximum": 100}
				},
				"required": ["description"],
				"additionalProperties": false
			}`),
			Execution: Inline,
			Executor:  setGoal(store),
		},
	}
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func okResult(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func enterSpace(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		SpaceID string `json:"space_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := rc.EnterSpace(ctx, in.SpaceID); err != nil {
		return nil, err
	}
	return okResult(map[string]string{"active_space": in.SpaceID})
}

func sendMessage(store Store) Executor {
	return func(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Content string `json:"content"`
			SpaceID string `json:"space_id"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		space := in.SpaceID
		if space == "" {
			space = rc.ActiveSpace()
		}
		if space == "" {
			return nil, fmt.Errorf("no active space; call enter_space first or pass space_id")
		}
		run := rc.Run()
		if _, err := store.GetMembership(ctx, space, run.AgentID); err != nil {
			return nil, fmt.Errorf("cannot send to space %s: %w", space, err)
		}

		runID := run.ID
		msg, err := store.AppendMessage(ctx, model.Message{
			ID:       uuid.New(),
			SpaceID:  space,
			SenderID: run.AgentID,
			Kind:     model.MessageText,
			Content:  in.Content,
			Metadata: &model.MessageMetadata{
				RunID:            run.ID.String(),
				TriggerType:      run.TriggerType,
				TriggerSummary:   model.SummarizeTrigger(run.TriggerType, run.TriggerPayload),
				PrecedingActions: rc.PrecedingActions(),
			},
			RunID: &runID,
		})
		if err != nil {
			return nil, err
		}
		// The agent has seen its own message.
		if err := store.AdvanceCursor(ctx, space, run.AgentID, msg.Seq); err != nil {
			return nil, err
		}
		return okResult(map[string]any{"message_id": msg.ID, "space_id": space, "seq": msg.Seq})
	}
}

func setMemory(store Store) Executor {
	return func(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		err := store.SetMemory(ctx, model.Memory{
			AgentID:   rc.Run().AgentID,
			Key:       in.Key,
			Value:     in.Value,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		return okResult(map[string]string{"key": in.Key})
	}
}

func deleteMemory(store Store) Executor {
	return func(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Key string `json:"key"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if err := store.DeleteMemory(ctx, rc.Run().AgentID, in.Key); err != nil {
			return nil, err
		}
		return okResult(map[string]string{"deleted": in.Key})
	}
}

func setGoal(store Store) Executor {
	return func(ctx context.Context, rc *RunContext, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Description string `json:"description"`
			Priority    int    `json:"priority"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		g := model.Goal{
			ID:          uuid.New(),
			AgentID:     rc.Run().AgentID,
			Description: in.Description,
			Priority:    in.Priority,
			Status:      model.GoalActive,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateGoal(ctx, g); err != nil {
			return nil, err
		}
		return okResult(map[string]string{"goal_id": g.ID.String()})
	}
}
