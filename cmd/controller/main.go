// Package main is the entry point for the runplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"runplane/internal/config"
	"runplane/internal/controller"
	"runplane/internal/controller/handlers"
	"runplane/internal/engine"
	"runplane/internal/limiter"
	logpkg "runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/runlock"
	"runplane/internal/runqueue"
	"runplane/internal/scaling"
	"runplane/internal/store/postgres"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	logger := logpkg.New()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "failed to load config", err)
	}

	ctx := context.Background()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "failed to connect to database", err)
	}
	defer db.Close()

	if *migrateFlag {
		logger.Info("running database migrations")
		if err := postgres.Migrate(db.DB()); err != nil {
			fatal(logger, "migration failed", err)
		}
		logger.Info("migrations completed")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()

	shutdownTracer, err := observability.Init(ctx, "runplane-controller", cfg.OTELEndpoint)
	if err != nil {
		fatal(logger, "failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
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

	queue := runqueue.New(rdb, runqueue.Options{})
	locks := runlock.New(rdb, "runlock")
	admission := limiter.New(rdb, "dequeue", limiter.DefaultExpiry)

	eng := engine.New(db, queue, locks, logger, engine.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})

	// Observable gauge sampling the shared master queue only when scraped.
	meter := otel.Meter("runplane-controller")
	_, err = meter.Int64ObservableGauge("runplane.queue.depth",
		metric.WithDescription("Runs waiting on the shared master queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			depth, err := queue.LengthOfMasterQueue(ctx, eng.SharedMasterQueue())
			if err != nil {
				logger.Warn("failed to sample queue depth", "error", err)
				return nil
			}
			obs.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to register queue depth gauge", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := runAutoscaler(runCtx, cfg, queue, eng, meter, logger); err != nil {
		fatal(logger, "failed to start autoscaler", err)
	}

	h := handlers.New(eng, db, admission, logger, handlers.Options{})

	srv := controller.New(h, db, controller.Options{
		Addr:           fmt.Sprintf(":%d", cfg.HTTPPort),
		WorkerToken:    cfg.WorkerToken,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		MetricsHandler: metricsHandler,
	})

	go eng.RunScheduler(runCtx, cfg.SchedulerInterval)

	go func() {
		logger.Info("controller starting", "port", cfg.HTTPPort)
		if err := srv.Run(runCtx); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down controller")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("controller exited")
}

// runAutoscaler publishes the desired worker pool size as a gauge. The
// controller does not spawn workers itself; deployment tooling scrapes
// the target and scales the fleet.
func runAutoscaler(ctx context.Context, cfg *config.Config, queue *runqueue.Queue, eng *engine.Engine, meter metric.Meter, logger *slog.Logger) error {
	strategy, err := scaling.Parse(cfg.ScalingStrategy, cfg.ScalingTargetRatio, cfg.ScalingDamping)
	if err != nil {
		return err
	}
	if strategy.Kind == scaling.KindNone {
		return nil
	}

	var desired atomic.Int64
	desired.Store(int64(cfg.ScalingMinConsumers))

	autoscaler := scaling.NewAutoscaler(scaling.AutoscalerOptions{
		Strategy:         strategy,
		MinConsumers:     cfg.ScalingMinConsumers,
		MaxConsumers:     cfg.ScalingMaxConsumers,
		InitialConsumers: cfg.ScalingMinConsumers,
	}, func(ctx context.Context) (int64, error) {
		return queue.LengthOfMasterQueue(ctx, eng.SharedMasterQueue())
	}, func(target int) int {
		desired.Store(int64(target))
		return target
	}, logger)

	_, err = meter.Int64ObservableGauge("runplane.workers.desired",
		metric.WithDescription("Desired worker consumer count from the scaling strategy"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(desired.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	go autoscaler.Run(ctx, 30*time.Second)
	return nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
