package scaling

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	s, err := Parse("smooth", 5, 0.5)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Kind != KindSmooth || s.TargetRatio != 5 || s.Damping != 0.5 {
		t.Errorf("strategy: %+v", s)
	}

	if _, err := Parse("turbo", 5, 0.5); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if _, err := Parse("smooth", 5, 1.5); err == nil {
		t.Error("expected error for damping out of range")
	}
}

func TestNone_HoldsCurrent(t *testing.T) {
	s := Strategy{Kind: KindNone}
	for _, depth := range []float64{0, 10, 10000} {
		if got := s.CalculateTargetCount(4, depth); got != 4 {
			t.Errorf("depth %v: got %d, want 4", depth, got)
		}
	}
}

func TestSmooth_ConvergesWithoutOvershoot(t *testing.T) {
	s := Strategy{Kind: KindSmooth, TargetRatio: 5, Damping: 0.5}

	// Constant depth 100 with ratio 5 wants 20 consumers. Repeated
	// evaluations from 1 must converge to 20 and never pass it.
	const want = 20
	current := 1
	for i := 0; i < 50; i++ {
		next := s.CalculateTargetCount(current, 100)
		if next > want {
			t.Fatalf("step %d overshot: %d > %d", i, next, want)
		}
		if next < current {
			t.Fatalf("step %d moved away from target: %d < %d", i, next, current)
		}
		current = next
	}
	if current != want {
		t.Errorf("converged to %d, want %d", current, want)
	}
}

func TestSmooth_FullDampingJumpsToTarget(t *testing.T) {
	s := Strategy{Kind: KindSmooth, TargetRatio: 10, Damping: 1}
	if got := s.CalculateTargetCount(3, 95); got != 10 {
		t.Errorf("got %d, want ceil(95/10)=10", got)
	}
}

func TestAggressive_Zones(t *testing.T) {
	s := Strategy{Kind: KindAggressive, TargetRatio: 10}

	tests := []struct {
		name    string
		current int
		depth   float64
		want    int
	}{
		{"hold inside band", 10, 100, 10},           // 10 per consumer = ratio
		{"hold at upper band edge", 10, 200, 10},    // exactly 2x
		{"mild overload scales 10%", 10, 250, 11},   // 2.5x
		{"heavy overload scales 25%", 10, 350, 13},  // 3.5x
		{"severe overload scales 50%", 10, 600, 15}, // 6x
		{"underload sheds 10%", 10, 30, 9},          // 3 per consumer < 0.5x
		{"single consumer never hits zero", 1, 0, 1},
	}
	for _, tt := range tests {
		if got := s.CalculateTargetCount(tt.current, tt.depth); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestAggressive_MonotoneInDepth(t *testing.T) {
	s := Strategy{Kind: KindAggressive, TargetRatio: 5}

	// Increasing depth at fixed consumer count never decreases the target.
	const current = 8
	prev := math.MinInt32
	for depth := 0.0; depth <= 500; depth += 5 {
		got := s.CalculateTargetCount(current, depth)
		if got < prev {
			t.Fatalf("depth %v: target dropped from %d to %d", depth, prev, got)
		}
		prev = got
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(0, 2, 10); got != 2 {
		t.Errorf("below min: got %d", got)
	}
	if got := Clamp(50, 2, 10); got != 10 {
		t.Errorf("above max: got %d", got)
	}
	if got := Clamp(5, 2, 10); got != 5 {
		t.Errorf("inside bounds: got %d", got)
	}
	if got := Clamp(50, 2, 0); got != 50 {
		t.Errorf("unbounded max: got %d", got)
	}
}

func TestAutoscaler_ResizesThroughStrategy(t *testing.T) {
	strategy := Strategy{Kind: KindSmooth, TargetRatio: 5, Damping: 1}

	depth := int64(100)
	var resizedTo []int
	a := NewAutoscaler(AutoscalerOptions{
		Strategy:         strategy,
		MinConsumers:     1,
		MaxConsumers:     12,
		InitialConsumers: 2,
	}, func(ctx context.Context) (int64, error) {
		return depth, nil
	}, func(target int) int {
		resizedTo = append(resizedTo, target)
		return target
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Depth 100 / ratio 5 wants 20, clamped to the max of 12.
	if len(resizedTo) != 1 || resizedTo[0] != 12 {
		t.Fatalf("resizes: %v, want [12]", resizedTo)
	}
	if a.CurrentCount() != 12 {
		t.Errorf("current: got %d", a.CurrentCount())
	}

	// Queue drains; smoothing pulls the target back down over time.
	depth = 0
	for i := 0; i < 20; i++ {
		if err := a.Evaluate(context.Background()); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if a.CurrentCount() != 1 {
		t.Errorf("current after drain: got %d, want 1", a.CurrentCount())
	}
	if a.SmoothedDepth() > 1 {
		t.Errorf("smoothed depth should have decayed, got %v", a.SmoothedDepth())
	}
}

func TestAutoscaler_SteadyStateDoesNotResize(t *testing.T) {
	a := NewAutoscaler(AutoscalerOptions{
		Strategy:         Strategy{Kind: KindNone},
		MinConsumers:     1,
		MaxConsumers:     10,
		InitialConsumers: 4,
	}, func(ctx context.Context) (int64, error) {
		return 1000, nil
	}, func(target int) int {
		t.Fatalf("resize called with %d", target)
		return target
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 5; i++ {
		if err := a.Evaluate(context.Background()); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if a.CurrentCount() != 4 {
		t.Errorf("current: got %d, want 4", a.CurrentCount())
	}
}
