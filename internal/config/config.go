// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// Redis address (queue, limiter, run locks)
	RedisURL string

	// HTTP server port for the controller
	HTTPPort int

	// Shared secret workers use on the supervisor API
	WorkerToken string

	// URL of the control plane (e.g., "http://localhost:8080")
	ControllerURL string

	// Worker-specific configuration
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerMaxBackoff   time.Duration
	// WorkerInstanceID identifies this worker to the controller. Defaults
	// to the hostname.
	WorkerInstanceID string
	// WorkerEnvID pins a development worker to one environment's queue.
	WorkerEnvID string
	// WorkerDeploymentID pins dequeues to a single deployment.
	WorkerDeploymentID string
	// WorkerRuntime selects how attempts run: "exec", "docker" or "kubernetes".
	WorkerRuntime string

	// Kubernetes runtime settings
	KubernetesNamespace      string
	KubernetesServiceAccount string

	// How stale a run heartbeat may get before the reaper requeues it
	HeartbeatTimeout time.Duration

	// How often the scheduler sweeps due waitpoints and stale heartbeats
	SchedulerInterval time.Duration

	// OTLP collector address for trace export
	OTELEndpoint string

	// Per-environment API rate limit (requests/second, 0 = unlimited)
	APIRateLimit float64
	APIRateBurst int

	// Autoscaler knobs
	ScalingStrategy     string
	ScalingTargetRatio  float64
	ScalingDamping      float64
	ScalingMinConsumers int
	ScalingMaxConsumers int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		WorkerToken:   os.Getenv("WORKER_TOKEN"),
		ControllerURL: os.Getenv("CONTROLLER_URL"),
		WorkerRuntime: os.Getenv("WORKER_RUNTIME"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = "http://localhost:6161"
	}
	if cfg.WorkerRuntime == "" {
		cfg.WorkerRuntime = "exec"
	}

	var err error
	if cfg.HTTPPort, err = intVar("PORT", 6161); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = intVar("WORKER_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.WorkerPollInterval, err = durationVar("WORKER_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerMaxBackoff, err = durationVar("WORKER_MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.WorkerInstanceID = os.Getenv("WORKER_INSTANCE_ID")
	if cfg.WorkerInstanceID == "" {
		if host, herr := os.Hostname(); herr == nil {
			cfg.WorkerInstanceID = host
		} else {
			cfg.WorkerInstanceID = "worker"
		}
	}
	cfg.WorkerEnvID = os.Getenv("WORKER_ENV_ID")
	cfg.WorkerDeploymentID = os.Getenv("WORKER_DEPLOYMENT_ID")
	cfg.KubernetesNamespace = os.Getenv("K8S_NAMESPACE")
	cfg.KubernetesServiceAccount = os.Getenv("K8S_SERVICE_ACCOUNT")
	if cfg.HeartbeatTimeout, err = durationVar("RUN_HEARTBEAT_TIMEOUT", 3*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = durationVar("SCHEDULER_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.OTELEndpoint = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OTELEndpoint == "" {
		cfg.OTELEndpoint = "localhost:4317"
	}
	if cfg.APIRateLimit, err = floatVar("API_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.APIRateBurst, err = intVar("API_RATE_BURST", 10); err != nil {
		return nil, err
	}

	cfg.ScalingStrategy = os.Getenv("SCALING_STRATEGY")
	if cfg.ScalingStrategy == "" {
		cfg.ScalingStrategy = "none"
	}
	switch cfg.ScalingStrategy {
	case "none", "smooth", "aggressive":
	default:
		return nil, fmt.Errorf("invalid SCALING_STRATEGY %q (want none, smooth or aggressive)", cfg.ScalingStrategy)
	}
	if cfg.ScalingTargetRatio, err = floatVar("SCALING_TARGET_RATIO", 5); err != nil {
		return nil, err
	}
	if cfg.ScalingDamping, err = floatVar("SCALING_DAMPING", 0.5); err != nil {
		return nil, err
	}
	if cfg.ScalingDamping < 0 || cfg.ScalingDamping > 1 {
		return nil, fmt.Errorf("SCALING_DAMPING must be between 0 and 1, got %v", cfg.ScalingDamping)
	}
	if cfg.ScalingMinConsumers, err = intVar("SCALING_MIN_CONSUMERS", 1); err != nil {
		return nil, err
	}
	if cfg.ScalingMaxConsumers, err = intVar("SCALING_MAX_CONSUMERS", 10); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intVar(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func floatVar(name string, fallback float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationVar(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
