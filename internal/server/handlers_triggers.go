package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// IdempotencyKeyHeader supplies the inbox event id when the body omits it.
const IdempotencyKeyHeader = "Idempotency-Key"

// HandleServiceTrigger handles POST /v1/agents/{agent_id}/trigger.
func (h *Handlers) HandleServiceTrigger(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if !h.requireAgent(w, r, agentID) {
		return
	}

	var req model.TriggerRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	req.ServiceName = strings.TrimSpace(req.ServiceName)
	if req.ServiceName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "serviceName is required")
		return
	}
	if len(req.ServiceName) > model.MaxServiceNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "serviceName is too long")
		return
	}
	eventID := req.EventID
	if eventID == "" {
		eventID = r.Header.Get(IdempotencyKeyHeader)
	}

	id, inserted, err := h.inbox.EnqueueService(r.Context(), agentID, eventID, req.ServiceName, req.Payload)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueueResponse{AgentID: agentID, EventID: id, Enqueued: inserted})
}

// HandleFirePlan handles POST /v1/agents/{agent_id}/plans/{plan_id}/fire.
// Deciding when a plan is due belongs to an external scheduler.
func (h *Handlers) HandleFirePlan(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	planID, err := parseUUIDPath(r, "plan_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.FirePlanRequest
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	plan, err := h.store.GetPlan(r.Context(), planID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	if plan.AgentID != agentID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "plan not found for agent")
		return
	}
	if plan.Status == model.PlanDone {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "plan is done")
		return
	}

	firedAt := time.Now().UTC()
	if req.FiredAt != nil {
		firedAt = req.FiredAt.UTC()
	}
	id, inserted, err := h.inbox.EnqueuePlan(r.Context(), plan, firedAt)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueueResponse{AgentID: agentID, EventID: id, Enqueued: inserted})
}

// HandlePostMessage handles POST /v1/spaces/{space_id}/messages. The
// message is appended and every agent member other than the sender gets
// a message trigger, optionally narrowed by triggerAgents.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	spaceID := r.PathValue("space_id")

	var req model.PostMessageRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	req.SenderID = strings.TrimSpace(req.SenderID)
	switch {
	case req.SenderID == "":
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "senderId is required")
		return
	case strings.TrimSpace(req.Content) == "":
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	case len(req.Content) > model.MaxMessageContentLen:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is too long")
		return
	}

	ctx := r.Context()
	if _, err := h.store.GetSpace(ctx, spaceID); err != nil {
		h.writeFault(w, r, err)
		return
	}
	if _, err := h.store.GetMembership(ctx, spaceID, req.SenderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sender is not a member of the space")
			return
		}
		h.writeFault(w, r, err)
		return
	}

	msg, err := h.store.AppendMessage(ctx, model.Message{
		SpaceID:  spaceID,
		SenderID: req.SenderID,
		Kind:     model.MessageText,
		Content:  req.Content,
	})
	if err != nil {
		h.writeFault(w, r, err)
		return
	}

	members, err := h.store.ListSpaceMembers(ctx, spaceID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	triggered := []model.EnqueueResponse{}
	for _, m := range members {
		if m.Kind != model.EntityAgent || m.ID == req.SenderID {
			continue
		}
		if len(req.TriggerAgents) > 0 && !slices.Contains(req.TriggerAgents, m.ID) {
			continue
		}
		id, inserted, err := h.inbox.EnqueueMessage(ctx, m.ID, msg)
		if err != nil {
			h.writeFault(w, r, err)
			return
		}
		triggered = append(triggered, model.EnqueueResponse{AgentID: m.ID, EventID: id, Enqueued: inserted})
	}

	writeJSON(w, r, http.StatusCreated, model.PostMessageResponse{Message: msg, Triggered: triggered})
}

// requireAgent writes 404 unless id names an agent entity.
func (h *Handlers) requireAgent(w http.ResponseWriter, r *http.Request, id string) bool {
	e, err := h.store.GetEntity(r.Context(), id)
	if err != nil {
		h.writeFault(w, r, err)
		return false
	}
	if e.Kind != model.EntityAgent {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return false
	}
	return true
}
