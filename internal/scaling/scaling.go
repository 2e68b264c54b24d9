// Package scaling computes how many queue consumers a worker should
// run, from smoothed queue depth. Queue depth is the capacity signal
// here, not worker utilization: a suspended run frees its worker slot
// without leaving the queue, so depth is what actually measures demand.
package scaling

import (
	"fmt"
	"math"
)

// Kind selects the scaling policy.
type Kind string

const (
	// KindNone holds the current count; scaling is manual.
	KindNone Kind = "none"
	// KindSmooth moves toward ceil(depth/targetRatio), damped.
	KindSmooth Kind = "smooth"
	// KindAggressive reacts in zones: hold in the comfortable band,
	// step down below it, jump up above it.
	KindAggressive Kind = "aggressive"
)

// Strategy is a closed variant: the kind plus its parameters. All
// policies go through CalculateTargetCount; clamping happens once, at
// the call site, via Clamp.
type Strategy struct {
	Kind Kind
	// TargetRatio is the desired queue items per consumer.
	TargetRatio float64
	// Damping in [0,1] slows KindSmooth toward its target to avoid
	// oscillation. 1 jumps straight to the target.
	Damping float64
}

// Parse builds a Strategy from its config name.
func Parse(kind string, targetRatio, damping float64) (Strategy, error) {
	switch Kind(kind) {
	case KindNone, KindSmooth, KindAggressive:
	default:
		return Strategy{}, fmt.Errorf("unknown scaling strategy %q", kind)
	}
	if targetRatio <= 0 {
		targetRatio = 1
	}
	if damping < 0 || damping > 1 {
		return Strategy{}, fmt.Errorf("damping factor %v out of [0,1]", damping)
	}
	return Strategy{Kind: Kind(kind), TargetRatio: targetRatio, Damping: damping}, nil
}

// CalculateTargetCount returns the unclamped consumer target for the
// given smoothed queue depth and current consumer count.
func (s Strategy) CalculateTargetCount(current int, smoothedDepth float64) int {
	if current < 1 {
		current = 1
	}

	switch s.Kind {
	case KindSmooth:
		target := math.Ceil(smoothedDepth / s.TargetRatio)
		damped := float64(current) + (target-float64(current))*s.Damping
		return int(math.Round(damped))

	case KindAggressive:
		perConsumer := smoothedDepth / float64(current)
		switch {
		case perConsumer < 0.5*s.TargetRatio:
			// Underloaded: shed at most 10% of the fleet per step.
			return int(math.Ceil(float64(current) * 0.9))
		case perConsumer >= 5*s.TargetRatio:
			return int(math.Ceil(float64(current) * 1.5))
		case perConsumer >= 3*s.TargetRatio:
			return int(math.Ceil(float64(current) * 1.25))
		case perConsumer > 2*s.TargetRatio:
			return int(math.Ceil(float64(current) * 1.1))
		default:
			return current
		}

	default:
		return current
	}
}

// Clamp bounds a target to [min, max]. Applied uniformly regardless of
// strategy.
func Clamp(target, min, max int) int {
	if target < min {
		return min
	}
	if max > 0 && target > max {
		return max
	}
	return target
}
