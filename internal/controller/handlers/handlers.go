// Package handlers contains the HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"runplane/internal/controller/middleware"
	"runplane/internal/engine"
	"runplane/internal/limiter"
	"runplane/internal/logger"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// Store combines the persistence interfaces the controller needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	engine.Store
	store.LogStore
}

// AdmissionLimiter gates how many dequeue calls may be in flight at once.
type AdmissionLimiter interface {
	Acquire(ctx context.Context, req limiter.AcquireRequest) (limiter.AcquireResult, error)
	Release(ctx context.Context, key, requestID string) error
}

// Options tunes handler behavior.
type Options struct {
	// DequeuePerInstance caps concurrent dequeue calls per worker instance.
	DequeuePerInstance int64
	// DequeueGlobal caps concurrent dequeue calls across the whole fleet.
	DequeueGlobal int64
	// HeartbeatInterval is handed to workers at connect time.
	HeartbeatInterval int
}

func (o *Options) withDefaults() {
	if o.DequeuePerInstance <= 0 {
		o.DequeuePerInstance = 2
	}
	if o.DequeueGlobal <= 0 {
		o.DequeueGlobal = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30
	}
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	eng       *engine.Engine
	db        Store
	admission AdmissionLimiter
	logger    *slog.Logger
	opts      Options
}

// New creates a Handlers instance. The engine, store and logger are
// required; admission may be nil to disable dequeue gating.
func New(eng *engine.Engine, db Store, admission AdmissionLimiter, logger *slog.Logger, opts Options) *Handlers {
	opts.withDefaults()
	return &Handlers{
		eng:       eng,
		db:        db,
		admission: admission,
		logger:    logger,
		opts:      opts,
	}
}

// log returns the handler logger with the request's correlation fields
// attached.
func (h *Handlers) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondData[T any](w http.ResponseWriter, status int, data T) {
	writeJSON(w, status, api.Envelope[T]{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.Envelope[any]{Success: false, Error: message})
}

func respondOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, api.Envelope[any]{Success: true})
}

// respondEngineError maps engine errors to HTTP statuses. A stale
// snapshot becomes a 409 whose envelope carries the authoritative
// latest snapshot so the caller can reconcile.
func (h *Handlers) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var stale *engine.StaleSnapshotError
	var resolution *engine.ResolutionError

	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, api.Envelope[api.Snapshot]{
			Success: false,
			Data:    stale.Latest,
			Error:   stale.Error(),
		})
	case errors.As(err, &resolution):
		respondError(w, http.StatusUnprocessableEntity, resolution.Error())
	default:
		h.log(r).ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// envFrom pulls the authenticated environment out of the request
// context, responding 401 itself when it is missing.
func (h *Handlers) envFrom(w http.ResponseWriter, r *http.Request) (*store.Environment, bool) {
	env, ok := middleware.EnvFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return env, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
