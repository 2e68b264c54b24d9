package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"runplane/internal/engine"
	"runplane/internal/limiter"
	"runplane/pkg/api"
)

// Connect handles POST /connect. A worker instance introduces itself
// before it starts polling for work.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerInstanceID == "" {
		respondError(w, http.StatusBadRequest, "worker_instance_id is required")
		return
	}

	h.log(r).InfoContext(r.Context(), "worker connected",
		"worker_instance_id", req.WorkerInstanceID,
		"version", req.Version, "deployment_id", req.DeploymentID)

	respondData(w, http.StatusOK, api.ConnectResponse{
		WorkerGroup:       "default",
		HeartbeatInterval: time.Duration(h.opts.HeartbeatInterval) * time.Second,
	})
}

// Dequeue handles POST /dequeue. Workers with an env_id poll their
// environment's own master queue; the pooled fleet polls the shared
// one. An admission rejection is not an error: the worker gets an empty
// batch and polls again later.
func (h *Handlers) Dequeue(w http.ResponseWriter, r *http.Request) {
	var req api.DequeueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.dequeue(w, r, req, "")
}

// DequeueForDeployment handles POST /deployments/{deployment_id}/dequeue.
// Only runs resolving to that deployment are handed out; everything
// else goes back on the queue untouched.
func (h *Handlers) DequeueForDeployment(w http.ResponseWriter, r *http.Request) {
	var req api.DequeueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.dequeue(w, r, req, r.PathValue("deployment_id"))
}

func (h *Handlers) dequeue(w http.ResponseWriter, r *http.Request, req api.DequeueRequest, deploymentID string) {
	ctx := r.Context()

	if req.WorkerInstanceID == "" {
		respondError(w, http.StatusBadRequest, "worker_instance_id is required")
		return
	}

	masterQueue := h.eng.SharedMasterQueue()
	if req.EnvID != "" {
		env, err := h.db.GetEnvironmentByID(ctx, req.EnvID)
		if err != nil {
			h.respondEngineError(w, r, err)
			return
		}
		masterQueue = h.eng.MasterQueueForEnv(env)
	}

	if h.admission != nil {
		requestID := uuid.NewString()
		res, err := h.admission.Acquire(ctx, limiter.AcquireRequest{
			Key:         req.WorkerInstanceID,
			RequestID:   requestID,
			KeyLimit:    h.opts.DequeuePerInstance,
			GlobalLimit: h.opts.DequeueGlobal,
		})
		if err != nil {
			h.respondEngineError(w, r, err)
			return
		}
		if !res.Success {
			respondData(w, http.StatusOK, api.DequeueResponse{Messages: []api.DequeuedMessage{}})
			return
		}
		defer h.admission.Release(ctx, req.WorkerInstanceID, requestID)
	}

	messages, err := h.eng.Dequeue(ctx, engine.DequeueRequest{
		ConsumerID:   req.WorkerInstanceID,
		MasterQueue:  masterQueue,
		MaxRunCount:  req.MaxRunCount,
		MaxResources: req.MaxResources,
		DeploymentID: deploymentID,
	})
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	if messages == nil {
		messages = []api.DequeuedMessage{}
	}
	respondData(w, http.StatusOK, api.DequeueResponse{Messages: messages})
}

// HeartbeatWorker handles POST /heartbeat, keeping a worker instance's
// connection fresh.
func (h *Handlers) HeartbeatWorker(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatWorkerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.log(r).DebugContext(r.Context(), "worker heartbeat",
		"worker_instance_id", req.WorkerInstanceID)
	respondOK(w)
}

// HeartbeatRun handles POST /runs/{run_id}/snapshots/{snapshot_id}/heartbeat.
// A heartbeat quoting a superseded snapshot is rejected with the latest
// one so the worker can reconcile.
func (h *Handlers) HeartbeatRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.HeartbeatRun(r.Context(), r.PathValue("run_id"), r.PathValue("snapshot_id"))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *snap)
}

// StartAttempt handles POST /runs/{run_id}/snapshots/{snapshot_id}/attempts/start.
func (h *Handlers) StartAttempt(w http.ResponseWriter, r *http.Request) {
	resp, err := h.eng.StartAttempt(r.Context(), r.PathValue("run_id"), r.PathValue("snapshot_id"))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *resp)
}

// CompleteAttempt handles POST /runs/{run_id}/snapshots/{snapshot_id}/attempts/complete.
func (h *Handlers) CompleteAttempt(w http.ResponseWriter, r *http.Request) {
	var result api.AttemptResult
	if !decodeBody(w, r, &result) {
		return
	}

	resp, err := h.eng.CompleteAttempt(r.Context(), r.PathValue("run_id"), r.PathValue("snapshot_id"), result)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *resp)
}

// LatestSnapshot handles GET /runs/{run_id}/snapshots/latest.
func (h *Handlers) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.LatestSnapshot(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *snap)
}

// WaitForDuration handles POST /runs/{run_id}/snapshots/{snapshot_id}/wait/duration.
func (h *Handlers) WaitForDuration(w http.ResponseWriter, r *http.Request) {
	var req api.WaitForDurationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Duration <= 0 {
		respondError(w, http.StatusBadRequest, "duration must be positive")
		return
	}

	resp, err := h.eng.WaitForDuration(r.Context(), r.PathValue("run_id"), r.PathValue("snapshot_id"), req.Duration)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *resp)
}
