package observability

import (
	"context"
	"testing"
	"time"
)

func TestInit_ReturnsShutdownFunc(t *testing.T) {
	// The gRPC dial is lazy, so an unreachable collector should not
	// fail Init itself.
	shutdown, err := Init(context.Background(), "runplane-test", "localhost:4317")
	if err != nil {
		t.Logf("Init returned error in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown function")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInit_UnreachableCollector(t *testing.T) {
	shutdown, err := Init(context.Background(), "runplane-test", "no-such-host:9999")
	if err != nil {
		t.Logf("Init returned error in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown function")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInit_EmptyServiceName(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "localhost:4317")
	if err != nil {
		t.Logf("Init returned error: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown function")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
