package handlers

import (
	"net/http"

	"runplane/pkg/api"
)

// QueueStats handles GET /api/v1/queues/stats. The queue name comes
// from the query string because queue names contain slashes.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	env, ok := h.envFrom(w, r)
	if !ok {
		return
	}

	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		respondError(w, http.StatusBadRequest, "queue is required")
		return
	}
	concurrencyKey := r.URL.Query().Get("concurrency_key")

	stats, err := h.eng.QueueStats(r.Context(), env, queueName, concurrencyKey)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *stats)
}

// ListDeadLetter handles GET /api/v1/dead-letter.
func (h *Handlers) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.envFrom(w, r); !ok {
		return
	}

	entries, err := h.eng.ListDeadLetter(r.Context())
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []api.DeadLetterMessage{}
	}
	respondData(w, http.StatusOK, entries)
}

// RedriveDeadLetter handles POST /api/v1/dead-letter/{message_id}/redrive.
func (h *Handlers) RedriveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.envFrom(w, r); !ok {
		return
	}

	messageID := r.PathValue("message_id")
	resp, err := h.eng.RedriveDeadLetter(r.Context(), messageID)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, *resp)
}
