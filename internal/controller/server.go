// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"runplane/internal/controller/handlers"
	"runplane/internal/controller/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	Addr string
	// WorkerToken authenticates the supervisor endpoints.
	WorkerToken string
	// RateLimit / RateBurst throttle the public API per environment.
	// A limit of zero disables throttling.
	RateLimit float64
	RateBurst int
	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a controller server. The public API authenticates with
// environment API keys; the supervisor endpoints, called by worker
// instances, authenticate with the shared worker token.
func New(h *handlers.Handlers, envs middleware.EnvironmentResolver, opts Options) *Server {
	authMW := middleware.APIKeyAuth(envs)
	rateMW := middleware.RateLimit(opts.RateLimit, opts.RateBurst)
	workerMW := middleware.RequireWorkerAuth(opts.WorkerToken)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/v1/orgs", h.CreateOrg)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	// Public authenticated apis
	public := func(handler http.HandlerFunc) http.Handler {
		return authMW(rateMW(handler))
	}
	mux.Handle("POST /api/v1/tasks/{identifier}/trigger", public(h.TriggerTask))
	mux.Handle("GET /api/v1/runs/{run_id}", public(h.GetRun))
	mux.Handle("POST /api/v1/runs/{run_id}/cancel", public(h.CancelRun))
	mux.Handle("GET /api/v1/runs/{run_id}/logs", public(h.GetRunLogs))
	mux.Handle("POST /api/v1/workers", public(h.RegisterWorker))
	mux.Handle("POST /api/v1/deployments/{deployment_id}/promote", public(h.PromoteDeployment))
	mux.Handle("POST /api/v1/waitpoints", public(h.CreateWaitpoint))
	mux.Handle("POST /api/v1/waitpoints/{waitpoint_id}/complete", public(h.CompleteWaitpoint))
	mux.Handle("GET /api/v1/queues/stats", public(h.QueueStats))
	mux.Handle("GET /api/v1/dead-letter", public(h.ListDeadLetter))
	mux.Handle("POST /api/v1/dead-letter/{message_id}/redrive", public(h.RedriveDeadLetter))

	// Supervisor endpoints, called by worker instances. These should run
	// on a separate port or strict network rules.
	supervisor := func(handler http.HandlerFunc) http.Handler {
		return workerMW(handler)
	}
	mux.Handle("POST /connect", supervisor(h.Connect))
	mux.Handle("POST /dequeue", supervisor(h.Dequeue))
	mux.Handle("POST /deployments/{deployment_id}/dequeue", supervisor(h.DequeueForDeployment))
	mux.Handle("POST /heartbeat", supervisor(h.HeartbeatWorker))
	mux.Handle("POST /runs/{run_id}/snapshots/{snapshot_id}/heartbeat", supervisor(h.HeartbeatRun))
	mux.Handle("POST /runs/{run_id}/snapshots/{snapshot_id}/attempts/start", supervisor(h.StartAttempt))
	mux.Handle("POST /runs/{run_id}/snapshots/{snapshot_id}/attempts/complete", supervisor(h.CompleteAttempt))
	mux.Handle("POST /runs/{run_id}/snapshots/{snapshot_id}/wait/duration", supervisor(h.WaitForDuration))
	mux.Handle("GET /runs/{run_id}/snapshots/latest", supervisor(h.LatestSnapshot))
	mux.Handle("POST /runs/{run_id}/logs", supervisor(h.AddRunLogs))

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      middleware.RequestID(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
