package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
)

// Coordinator is the slice of the escrow coordinator the scheduler drives.
type Coordinator interface {
	ProcessAutoReleases(ctx context.Context) (escrow.ReleaseReport, error)
	ProcessAutoDeductions(ctx context.Context) (escrow.DeductionReport, error)
}

// Scheduler invokes the sweeps on fixed cadences. All the business logic
// stays in the coordinator; this type only owns the timers, so tests can call
// the sweep functions directly with a fixed clock and skip the scheduler
// entirely.
type Scheduler struct {
	coordinator       Coordinator
	releaseInterval   time.Duration
	deductionInterval time.Duration
	logger            *log.Logger
}

func NewScheduler(coordinator Coordinator, releaseInterval, deductionInterval time.Duration, logger *log.Logger) *Scheduler {
	if releaseInterval <= 0 {
		releaseInterval = 5 * time.Minute
	}
	if deductionInterval <= 0 {
		deductionInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		coordinator:       coordinator,
		releaseInterval:   releaseInterval,
		deductionInterval: deductionInterval,
		logger:            logger,
	}
}

// Run blocks until the context is cancelled, driving both sweep loops.
// Sweep errors are logged and the loops keep going; only context cancellation
// ends them.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.loop(ctx, s.releaseInterval, s.runAutoRelease)
	})
	g.Go(func() error {
		return s.loop(ctx, s.deductionInterval, s.runAutoDeduction)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

func (s *Scheduler) runAutoRelease(ctx context.Context) {
	report, err := s.coordinator.ProcessAutoReleases(ctx)
	if err != nil {
		s.logger.Printf("sweep: auto-release sweep failed: %v", err)
		return
	}
	if report.Failed > 0 {
		s.logger.Printf("sweep: auto-release released %d of %d due holds (%d failed)",
			report.Released, report.Due, report.Failed)
		return
	}
	if report.Released > 0 {
		s.logger.Printf("sweep: auto-released %d holds", report.Released)
	}
}

func (s *Scheduler) runAutoDeduction(ctx context.Context) {
	report, err := s.coordinator.ProcessAutoDeductions(ctx)
	if err != nil {
		s.logger.Printf("sweep: auto-deduction sweep failed: %v", err)
		return
	}
	if report.Failed > 0 {
		s.logger.Printf("sweep: auto-deduction processed %d retailers, total %d RWF (%d failed)",
			report.Processed, report.TotalAmount, report.Failed)
		return
	}
	if report.Processed > 0 {
		s.logger.Printf("sweep: auto-deducted %d RWF across %d retailers", report.TotalAmount, report.Processed)
	}
}
