package sweep

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"escrowflow/escrow"
)

type fakeCoordinator struct {
	releases   atomic.Int64
	deductions atomic.Int64
}

func (f *fakeCoordinator) ProcessAutoReleases(ctx context.Context) (escrow.ReleaseReport, error) {
	f.releases.Add(1)
	return escrow.ReleaseReport{}, nil
}

func (f *fakeCoordinator) ProcessAutoDeductions(ctx context.Context) (escrow.DeductionReport, error) {
	f.deductions.Add(1)
	return escrow.DeductionReport{}, nil
}

func TestSchedulerRunsBothSweeps(t *testing.T) {
	coordinator := &fakeCoordinator{}
	scheduler := NewScheduler(coordinator, 10*time.Millisecond, 10*time.Millisecond, log.New(&strings.Builder{}, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	if err := scheduler.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown on cancellation, got %v", err)
	}
	if coordinator.releases.Load() == 0 {
		t.Errorf("expected at least one auto-release sweep")
	}
	if coordinator.deductions.Load() == 0 {
		t.Errorf("expected at least one auto-deduction sweep")
	}
}

func TestSchedulerStopsImmediately(t *testing.T) {
	scheduler := NewScheduler(&fakeCoordinator{}, time.Hour, time.Hour, log.New(&strings.Builder{}, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancelled context, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
