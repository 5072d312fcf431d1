// Package inbox is the durable, idempotent holding area for triggers and
// late tool results that could not be handed to a live run.
//
// Events are keyed by (agent id, event id). Enqueueing the same pair twice
// stores one event, so upstream producers may retry freely.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// Inbox wraps the inbox store with validation and event builders.
type Inbox struct {
	store  storage.InboxStore
	logger *slog.Logger
}

// New creates an Inbox.
func New(store storage.InboxStore, logger *slog.Logger) *Inbox {
	return &Inbox{store: store, logger: logger}
}

// Enqueue stores the event unless (agentID, eventID) already exists. A
// duplicate is not an error; inserted reports which case happened.
func (i *Inbox) Enqueue(ctx context.Context, agentID, eventID string, typ model.TriggerType, payload json.RawMessage) (inserted bool, err error) {
	const op = "inbox.enqueue"
	if agentID == "" || eventID == "" {
		return false, fault.Errorf(fault.Validation, op, "agent id and event id are required")
	}
	if len(eventID) > model.MaxEventIDLen {
		return false, fault.Errorf(fault.Validation, op, "event id longer than %d", model.MaxEventIDLen)
	}
	if err := model.ValidateTrigger(typ, payload); err != nil {
		return false, fault.New(fault.Validation, op, err)
	}

	now := time.Now().UTC()
	inserted, err = i.store.EnqueueInbox(ctx, model.InboxEvent{
		ID:        uuid.New(),
		AgentID:   agentID,
		EventID:   eventID,
		Type:      typ,
		Payload:   payload,
		Status:    model.InboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return false, fault.Persist(op, err)
	}
	if !inserted {
		i.logger.Debug("inbox: duplicate event ignored", "agent_id", agentID, "event_id", eventID)
	}
	return inserted, nil
}

// EnqueueMessage queues a message trigger for agentID.
func (i *Inbox) EnqueueMessage(ctx context.Context, agentID string, msg model.Message) (string, bool, error) {
	payload, err := json.Marshal(model.MessageTrigger{
		SpaceID:   msg.SpaceID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		SentAt:    msg.CreatedAt,
	})
	if err != nil {
		return "", false, fmt.Errorf("inbox: encode message trigger: %w", err)
	}
	id := MessageEventID(msg)
	ok, err := i.Enqueue(ctx, agentID, id, model.TriggerMessage, payload)
	return id, ok, err
}

// EnqueuePlan queues a plan-fired trigger. firedAt is part of the event
// id, so each firing is delivered once.
func (i *Inbox) EnqueuePlan(ctx context.Context, plan model.Plan, firedAt time.Time) (string, bool, error) {
	payload, err := json.Marshal(model.PlanTrigger{
		PlanID:      plan.ID,
		Description: plan.Description,
		Schedule:    plan.Schedule,
		FiredAt:     firedAt.UTC(),
	})
	if err != nil {
		return "", false, fmt.Errorf("inbox: encode plan trigger: %w", err)
	}
	id := PlanEventID(plan.ID, firedAt)
	ok, err := i.Enqueue(ctx, plan.AgentID, id, model.TriggerPlan, payload)
	return id, ok, err
}

// EnqueueService queues a service-invoked trigger. An empty eventID gets a
// fresh one, which makes the call non-idempotent.
func (i *Inbox) EnqueueService(ctx context.Context, agentID, eventID, serviceName string, body json.RawMessage) (string, bool, error) {
	payload, err := json.Marshal(model.ServiceTrigger{
		ServiceName: serviceName,
		Payload:     body,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", false, fmt.Errorf("inbox: encode service trigger: %w", err)
	}
	if eventID == "" {
		eventID = "service:" + uuid.NewString()
	}
	ok, err := i.Enqueue(ctx, agentID, eventID, model.TriggerService, payload)
	return eventID, ok, err
}

// MessageEventID is the event id of a message trigger.
func MessageEventID(msg model.Message) string {
	return "message:" + msg.SpaceID + ":" + strconv.FormatInt(msg.Seq, 10)
}

// PlanEventID is the event id of one plan firing.
func PlanEventID(planID uuid.UUID, firedAt time.Time) string {
	return "plan:" + planID.String() + ":" + strconv.FormatInt(firedAt.Unix(), 10)
}

// Claim moves up to limit pending events to processing under a lease.
func (i *Inbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]model.InboxEvent, error) {
	evs, err := i.store.ClaimInbox(ctx, limit, lease)
	if err != nil {
		return nil, fault.Persist("inbox.claim", err)
	}
	return evs, nil
}

// MarkProcessed records the run that consumed the event.
func (i *Inbox) MarkProcessed(ctx context.Context, id, runID uuid.UUID) error {
	return fault.Persist("inbox.processed", i.store.MarkInboxProcessed(ctx, id, runID))
}

// MarkFailed records why the event could not start a run. Retrying failed
// events is left to operators.
func (i *Inbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return fault.Persist("inbox.failed", i.store.MarkInboxFailed(ctx, id, reason))
}

// Get returns one event.
func (i *Inbox) Get(ctx context.Context, agentID, eventID string) (model.InboxEvent, error) {
	return i.store.GetInboxEvent(ctx, agentID, eventID)
}

// Depth returns the number of pending events.
func (i *Inbox) Depth(ctx context.Context) (int64, error) {
	return i.store.CountInbox(ctx, model.InboxPending)
}
