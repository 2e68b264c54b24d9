package scaling

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// DepthFunc samples the current queue depth.
type DepthFunc func(ctx context.Context) (int64, error)

// ResizeFunc applies a new consumer count and returns the count now in
// effect.
type ResizeFunc func(target int) int

// Autoscaler periodically samples queue depth, keeps an exponentially
// weighted moving average, and resizes the consumer pool through the
// configured strategy.
type Autoscaler struct {
	strategy Strategy
	depth    DepthFunc
	resize   ResizeFunc
	logger   *slog.Logger

	minConsumers int
	maxConsumers int
	// alpha is the EWMA weight of the newest sample.
	alpha float64

	current  int
	smoothed float64
	primed   bool
}

// AutoscalerOptions configures an Autoscaler.
type AutoscalerOptions struct {
	Strategy     Strategy
	MinConsumers int
	MaxConsumers int
	// InitialConsumers seeds the pool size; clamped like everything else.
	InitialConsumers int
	// Alpha is the EWMA smoothing weight, in (0,1]. Defaults to 0.3.
	Alpha float64
}

// NewAutoscaler wires an autoscaler around a depth sampler and a resize
// callback.
func NewAutoscaler(opts AutoscalerOptions, depth DepthFunc, resize ResizeFunc, logger *slog.Logger) *Autoscaler {
	if opts.MinConsumers < 1 {
		opts.MinConsumers = 1
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.3
	}
	current := Clamp(opts.InitialConsumers, opts.MinConsumers, opts.MaxConsumers)
	return &Autoscaler{
		strategy:     opts.Strategy,
		depth:        depth,
		resize:       resize,
		logger:       logger,
		minConsumers: opts.MinConsumers,
		maxConsumers: opts.MaxConsumers,
		alpha:        opts.Alpha,
		current:      current,
	}
}

// Run evaluates on every tick until the context is cancelled.
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Evaluate(ctx); err != nil {
				a.logger.ErrorContext(ctx, "autoscaler evaluation failed", "error", err)
			}
		}
	}
}

// Evaluate samples depth once, updates the EWMA, and resizes if the
// clamped target moved.
func (a *Autoscaler) Evaluate(ctx context.Context) error {
	depth, err := a.depth(ctx)
	if err != nil {
		return err
	}
	a.observe(float64(depth))

	target := a.strategy.CalculateTargetCount(a.current, a.smoothed)
	target = Clamp(target, a.minConsumers, a.maxConsumers)
	if target == a.current {
		return nil
	}

	a.logger.InfoContext(ctx, "resizing consumer pool",
		"strategy", string(a.strategy.Kind),
		"queue_depth", depth,
		"smoothed_depth", math.Round(a.smoothed*100)/100,
		"from", a.current,
		"to", target)
	a.current = a.resize(target)
	return nil
}

func (a *Autoscaler) observe(depth float64) {
	if !a.primed {
		a.smoothed = depth
		a.primed = true
		return
	}
	a.smoothed = a.alpha*depth + (1-a.alpha)*a.smoothed
}

// SmoothedDepth exposes the current EWMA value.
func (a *Autoscaler) SmoothedDepth() float64 {
	return a.smoothed
}

// CurrentCount exposes the consumer count the autoscaler believes is in
// effect.
func (a *Autoscaler) CurrentCount() int {
	return a.current
}
