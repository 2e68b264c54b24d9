package handlers

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// Health handles GET /health. It reports degraded when the database is
// unreachable so load balancers stop routing here.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.log(r).ErrorContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
