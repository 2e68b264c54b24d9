package handlers

import (
	"net/http"

	"runplane/internal/engine"
	"runplane/pkg/api"
)

// RegisterWorker handles POST /api/v1/workers. Development environments
// resolve directly to the latest worker; production environments get an
// unpromoted deployment that must be promoted before it serves runs.
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	var req api.RegisterWorkerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version == "" {
		respondError(w, http.StatusBadRequest, "version is required")
		return
	}
	if len(req.Tasks) == 0 {
		respondError(w, http.StatusBadRequest, "at least one task is required")
		return
	}

	worker, deployment, err := h.eng.RegisterWorker(r.Context(), engine.RegisterWorkerRequest{
		Env:                 env,
		Version:             req.Version,
		Image:               req.Image,
		SupportsCheckpoints: req.SupportsCheckpoints,
		Tasks:               req.Tasks,
	})
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	resp := api.RegisterWorkerResponse{WorkerID: worker.ID}
	if deployment != nil {
		resp.DeploymentID = deployment.ID
	}
	respondData(w, http.StatusCreated, resp)
}

// PromoteDeployment handles POST /api/v1/deployments/{deployment_id}/promote.
func (h *Handlers) PromoteDeployment(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	deploymentID := r.PathValue("deployment_id")
	if err := h.eng.PromoteDeployment(r.Context(), env, deploymentID); err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondOK(w)
}
