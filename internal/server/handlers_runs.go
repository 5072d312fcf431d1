package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// runResponse is a run with its tool call log.
type runResponse struct {
	model.Run
	ToolCalls []model.ToolCallRecord `json:"tool_calls"`
}

// HandleToolResult handles POST /v1/runs/{run_id}/tool-results. The first
// submission for a call wins; repeats report duplicate=true.
func (h *Handlers) HandleToolResult(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ToolResultRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	req.CallID = strings.TrimSpace(req.CallID)
	if req.CallID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "callId is required")
		return
	}
	if model.IsAbsentJSON(req.Result) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "result is required")
		return
	}

	call, err := h.corr.Get(r.Context(), req.CallID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	if call.RunID != runID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tool call not found for run")
		return
	}

	dup, err := h.corr.Resolve(r.Context(), req.CallID, req.Result)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ToolResultResponse{CallID: req.CallID, Duplicate: dup})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	calls, err := h.store.ListToolCalls(r.Context(), runID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	if calls == nil {
		calls = []model.ToolCallRecord{}
	}
	writeJSON(w, r, http.StatusOK, runResponse{Run: run, ToolCalls: calls})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is already finished")
			return
		}
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunContext handles GET /v1/runs/{run_id}/context. It renders what
// the model would see for the run at its current state.
func (h *Handlers) HandleRunContext(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snap, err := h.assembler.Assemble(r.Context(), runID)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	titles := make([]string, len(snap.Sections))
	for i, s := range snap.Sections {
		titles[i] = s.Title
	}
	writeJSON(w, r, http.StatusOK, model.ContextResponse{
		RunID:    runID.String(),
		Sections: titles,
		Text:     snap.Text(),
	})
}
