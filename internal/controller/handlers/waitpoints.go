package handlers

import (
	"net/http"
	"time"

	"runplane/internal/engine"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// CreateWaitpoint handles POST /api/v1/waitpoints. It creates a MANUAL
// or BATCH waitpoint; an idempotency key makes retried creates return
// the existing waitpoint instead of a new one. RUN and DATETIME
// waitpoints are engine-made and cannot be created here.
func (h *Handlers) CreateWaitpoint(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	var req api.CreateWaitpointRequest
	if !decodeBody(w, r, &req) {
		return
	}

	wpType := api.WaitpointTypeManual
	switch req.Type {
	case "", string(api.WaitpointTypeManual):
	case string(api.WaitpointTypeBatch):
		wpType = api.WaitpointTypeBatch
	default:
		respondError(w, http.StatusBadRequest, "type must be MANUAL or BATCH")
		return
	}

	wp, err := h.eng.CreateWaitpoint(r.Context(), engine.CreateWaitpointRequest{
		EnvID:          env.ID,
		Type:           wpType,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, waitpointToAPI(wp))
}

// CompleteWaitpoint handles POST /api/v1/waitpoints/{waitpoint_id}/complete.
// Completing a waitpoint that is already completed is a no-op.
func (h *Handlers) CompleteWaitpoint(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	waitpointID := r.PathValue("waitpoint_id")
	wp, err := h.db.GetWaitpointByID(r.Context(), waitpointID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	if wp.EnvID != env.ID {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	var req api.CompleteWaitpointRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.eng.CompleteWaitpoint(r.Context(), waitpointID, req.Output, req.OutputIsError); err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	wp, err = h.db.GetWaitpointByID(r.Context(), waitpointID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, waitpointToAPI(wp))
}

func waitpointToAPI(wp *store.Waitpoint) api.WaitpointResponse {
	return api.WaitpointResponse{
		ID:          wp.ID,
		FriendlyID:  wp.FriendlyID,
		Type:        string(wp.Type),
		Status:      string(wp.Status),
		CompletedAt: wp.CompletedAt,
	}
}
