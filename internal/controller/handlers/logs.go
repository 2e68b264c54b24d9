package handlers

import (
	"net/http"
	"strconv"

	"runplane/pkg/api"
)

const defaultLogLimit = 100

// GetRunLogs handles GET /api/v1/runs/{run_id}/logs. The after_id query
// parameter is a cursor; clients poll with the id of the last entry
// they saw.
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	run, ok := h.runInEnv(w, r, env)
	if !ok {
		return
	}

	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}

	logs, err := h.db.GetRunLogs(r.Context(), run.ID, afterID, limit)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	entries := make([]api.LogEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, api.LogEntry{
			ID:        l.ID,
			Content:   l.Content,
			CreatedAt: l.CreatedAt,
		})
	}
	respondData(w, http.StatusOK, api.GetLogsResponse{Logs: entries})
}

// AddRunLogs handles POST /runs/{run_id}/logs on the supervisor
// surface. Workers ship batched attempt output here.
func (h *Handlers) AddRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	var req api.AddLogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		respondOK(w)
		return
	}

	if err := h.db.AddRunLog(r.Context(), runID, req.Content); err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondOK(w)
}
