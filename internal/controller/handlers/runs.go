package handlers

import (
	"errors"
	"net/http"

	"runplane/internal/engine"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// TriggerTask handles POST /api/v1/tasks/{identifier}/trigger.
func (h *Handlers) TriggerTask(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	identifier := r.PathValue("identifier")
	if identifier == "" {
		respondError(w, http.StatusBadRequest, "task identifier is required")
		return
	}

	var req api.TriggerTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	run, err := h.eng.Trigger(r.Context(), engine.TriggerRequest{
		Env:             env,
		TaskIdentifier:  identifier,
		Payload:         req.Payload,
		PayloadType:     req.PayloadType,
		Queue:           req.Queue,
		ConcurrencyKey:  req.ConcurrencyKey,
		Priority:        req.Priority,
		IsTest:          req.IsTest,
		Tags:            req.Tags,
		LockedToVersion: req.LockedToVersion,
		DelayUntil:      req.DelayUntil,
		Machine:         req.Machine,
	})
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	respondData(w, http.StatusOK, api.TriggerTaskResponse{
		RunID:      run.ID,
		FriendlyID: run.FriendlyID,
		Number:     run.Number,
		Status:     string(run.Status),
	})
}

// GetRun handles GET /api/v1/runs/{run_id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	run, ok := h.runInEnv(w, r, env)
	if !ok {
		return
	}

	resp := runToAPI(run)
	if latest, err := h.db.LatestSnapshot(r.Context(), run.ID); err == nil {
		snap := snapshotToAPI(latest)
		resp.Snapshot = &snap
	} else if !errors.Is(err, store.ErrNotFound) {
		h.respondEngineError(w, r, err)
		return
	}

	respondData(w, http.StatusOK, resp)
}

// CancelRun handles POST /api/v1/runs/{run_id}/cancel. Queued runs
// cancel right away; executing runs get a PENDING_CANCEL snapshot the
// worker reconciles against.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	run, ok := h.runInEnv(w, r, env)
	if !ok {
		return
	}

	snap, err := h.eng.Cancel(r.Context(), run.ID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *snap)
}

// runInEnv loads the run from the path and enforces environment
// scoping. Runs in another environment read as not found.
func (h *Handlers) runInEnv(w http.ResponseWriter, r *http.Request, env *store.Environment) (*store.TaskRun, bool) {
	runID := r.PathValue("run_id")
	run, err := h.db.GetRunByID(r.Context(), runID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return nil, false
	}
	if run.EnvID != env.ID {
		respondError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return run, true
}

func runToAPI(run *store.TaskRun) api.RunResponse {
	resp := api.RunResponse{
		ID:             run.ID,
		FriendlyID:     run.FriendlyID,
		Number:         run.Number,
		TaskIdentifier: run.TaskIdentifier,
		Queue:          run.Queue,
		Status:         string(run.Status),
		IsTest:         run.IsTest,
		Tags:           run.Tags,
		Attempt:        run.Attempt,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		Output:         run.Output,
	}
	if run.ErrorCode != "" {
		resp.Error = &api.RunError{
			Code:    run.ErrorCode,
			Message: run.ErrorMessage,
		}
	}
	return resp
}

func snapshotToAPI(s *store.ExecutionSnapshot) api.Snapshot {
	return api.Snapshot{
		ID:              s.ID,
		FriendlyID:      s.FriendlyID,
		ExecutionStatus: s.ExecutionStatus,
		Description:     s.Description,
		CreatedAt:       s.CreatedAt,
	}
}
