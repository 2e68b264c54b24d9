package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Error("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.RedisURL != "localhost:6379" {
		t.Errorf("expected RedisURL localhost:6379, got %s", cfg.RedisURL)
	}
	if cfg.ControllerURL != "http://localhost:6161" {
		t.Errorf("expected ControllerURL http://localhost:6161, got %s", cfg.ControllerURL)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Errorf("expected WorkerConcurrency 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerPollInterval != 1*time.Second {
		t.Errorf("expected WorkerPollInterval 1s, got %v", cfg.WorkerPollInterval)
	}
	if cfg.WorkerRuntime != "exec" {
		t.Errorf("expected WorkerRuntime exec, got %s", cfg.WorkerRuntime)
	}
	if cfg.HeartbeatTimeout != 3*time.Minute {
		t.Errorf("expected HeartbeatTimeout 3m, got %v", cfg.HeartbeatTimeout)
	}
	if cfg.ScalingStrategy != "none" {
		t.Errorf("expected ScalingStrategy none, got %s", cfg.ScalingStrategy)
	}
	if cfg.ScalingTargetRatio != 5 {
		t.Errorf("expected ScalingTargetRatio 5, got %v", cfg.ScalingTargetRatio)
	}
	if cfg.ScalingDamping != 0.5 {
		t.Errorf("expected ScalingDamping 0.5, got %v", cfg.ScalingDamping)
	}
	if cfg.ScalingMinConsumers != 1 || cfg.ScalingMaxConsumers != 10 {
		t.Errorf("expected consumer bounds [1,10], got [%d,%d]",
			cfg.ScalingMinConsumers, cfg.ScalingMaxConsumers)
	}
	if cfg.SchedulerInterval != 5*time.Second {
		t.Errorf("expected SchedulerInterval 5s, got %v", cfg.SchedulerInterval)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.WorkerMaxBackoff != 30*time.Second {
		t.Errorf("expected WorkerMaxBackoff 30s, got %v", cfg.WorkerMaxBackoff)
	}
	if cfg.WorkerInstanceID == "" {
		t.Error("expected WorkerInstanceID to default to a non-empty value")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("REDIS_URL", "redis-main:6379")
	t.Setenv("PORT", "9999")
	t.Setenv("WORKER_TOKEN", "secret-token")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("WORKER_RUNTIME", "docker")
	t.Setenv("CONTROLLER_URL", "http://custom:8080")
	t.Setenv("RUN_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("SCALING_STRATEGY", "smooth")
	t.Setenv("SCALING_TARGET_RATIO", "2.5")
	t.Setenv("SCALING_DAMPING", "0.8")
	t.Setenv("SCALING_MIN_CONSUMERS", "2")
	t.Setenv("SCALING_MAX_CONSUMERS", "20")
	t.Setenv("SCHEDULER_INTERVAL", "10s")
	t.Setenv("OTEL_COLLECTOR_ADDR", "otel:4317")
	t.Setenv("WORKER_INSTANCE_ID", "worker-7")
	t.Setenv("WORKER_DEPLOYMENT_ID", "deploy_1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis-main:6379" {
		t.Errorf("expected RedisURL from env, got %s", cfg.RedisURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.WorkerToken != "secret-token" {
		t.Errorf("expected WorkerToken from env, got %s", cfg.WorkerToken)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected WorkerConcurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerPollInterval != 2*time.Second {
		t.Errorf("expected WorkerPollInterval 2s, got %v", cfg.WorkerPollInterval)
	}
	if cfg.WorkerRuntime != "docker" {
		t.Errorf("expected WorkerRuntime docker, got %s", cfg.WorkerRuntime)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("expected HeartbeatTimeout 90s, got %v", cfg.HeartbeatTimeout)
	}
	if cfg.ScalingStrategy != "smooth" {
		t.Errorf("expected ScalingStrategy smooth, got %s", cfg.ScalingStrategy)
	}
	if cfg.ScalingTargetRatio != 2.5 {
		t.Errorf("expected ScalingTargetRatio 2.5, got %v", cfg.ScalingTargetRatio)
	}
	if cfg.ScalingDamping != 0.8 {
		t.Errorf("expected ScalingDamping 0.8, got %v", cfg.ScalingDamping)
	}
	if cfg.ScalingMinConsumers != 2 || cfg.ScalingMaxConsumers != 20 {
		t.Errorf("expected consumer bounds [2,20], got [%d,%d]",
			cfg.ScalingMinConsumers, cfg.ScalingMaxConsumers)
	}
	if cfg.SchedulerInterval != 10*time.Second {
		t.Errorf("expected SchedulerInterval 10s, got %v", cfg.SchedulerInterval)
	}
	if cfg.OTELEndpoint != "otel:4317" {
		t.Errorf("expected OTELEndpoint otel:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.WorkerInstanceID != "worker-7" {
		t.Errorf("expected WorkerInstanceID worker-7, got %s", cfg.WorkerInstanceID)
	}
	if cfg.WorkerDeploymentID != "deploy_1" {
		t.Errorf("expected WorkerDeploymentID deploy_1, got %s", cfg.WorkerDeploymentID)
	}
}

func TestLoad_InvalidScalingStrategy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCALING_STRATEGY", "turbo")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid scaling strategy")
	}
}

func TestLoad_InvalidDamping(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCALING_DAMPING", "1.5")

	if _, err := Load(); err == nil {
		t.Error("expected error for out-of-range damping factor")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
}
