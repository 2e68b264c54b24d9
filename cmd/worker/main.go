// Package main is the entry point for the runplane worker. The worker
// polls the controller's supervisor API for runs and executes task
// attempts through the configured runtime.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"runplane/internal/config"
	logpkg "runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/supervisor"
	"runplane/internal/worker"
	"runplane/internal/worker/runtime"
)

func main() {
	logger := logpkg.New()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "failed to load config", err)
	}
	if cfg.WorkerToken == "" {
		logger.Error("WORKER_TOKEN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.Init(ctx, "runplane-worker", cfg.OTELEndpoint)
	if err != nil {
		fatal(logger, "failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	var rt runtime.Runtime
	switch cfg.WorkerRuntime {
	case "docker":
		dockerRT, err := runtime.NewDockerRuntime()
		if err != nil {
			fatal(logger, "failed to create docker runtime", err)
		}
		rt = dockerRT
		logger.Info("using docker runtime")
	case "kubernetes":
		k8sRT, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			ServiceAccount: cfg.KubernetesServiceAccount,
		})
		if err != nil {
			fatal(logger, "failed to create kubernetes runtime", err)
		}
		rt = k8sRT
		logger.Info("using kubernetes runtime", "namespace", cfg.KubernetesNamespace)
	case "exec":
		fallthrough
	default:
		rt = runtime.NewExecRuntime()
		logger.Info("using exec runtime")
	}

	client := supervisor.New(cfg.ControllerURL, cfg.WorkerToken, supervisor.Options{})

	agent := worker.New(client, rt, worker.Config{
		InstanceID:   cfg.WorkerInstanceID,
		EnvID:        cfg.WorkerEnvID,
		DeploymentID: cfg.WorkerDeploymentID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxBackoff:   cfg.WorkerMaxBackoff,
	}, logger)

	go func() {
		if err := agent.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("agent stopped", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		fatal(logger, "failed to init metrics", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Error("failed to shutdown metrics", "error", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		logger.Info("worker metrics listening", "addr", ":6162")
		if err := http.ListenAndServe(":6162", mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker, draining in-flight attempts")
	cancel()
	<-agent.Done()
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
