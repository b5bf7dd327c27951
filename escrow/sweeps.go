package escrow

import (
	"context"
	"errors"
	"fmt"
)

// ProcessAutoReleases releases every held hold whose confirmation window has
// elapsed. Pure function over the injected clock and store state: the sweep
// scheduler just calls it on a cadence. Per-hold failures are counted and
// logged, never fatal to the sweep.
func (s *Coordinator) ProcessAutoReleases(ctx context.Context) (ReleaseReport, error) {
	due, err := s.store.DueAutoReleases(ctx, s.now())
	if err != nil {
		return ReleaseReport{}, err
	}

	report := ReleaseReport{Due: len(due)}
	for _, holdID := range due {
		if _, err := s.ReleaseEscrow(ctx, holdID, SystemAutoRelease, nil); err != nil {
			report.Failed++
			s.logger.Printf("escrow: auto-release hold %s: %v", holdID, err)
			continue
		}
		report.Released++
	}
	return report, nil
}

// ProcessAutoDeductions runs the daily debt-amortisation sweep. For each
// active config the retailer's outstanding debt is deducted oldest-hold-first
// (FIFO), clamped to the policy percentage, the daily cap and the target
// hold's remaining balance. Per-retailer failures are isolated.
func (s *Coordinator) ProcessAutoDeductions(ctx context.Context) (DeductionReport, error) {
	configs, err := s.store.ActiveAutoDeductConfigs(ctx)
	if err != nil {
		return DeductionReport{}, err
	}

	var report DeductionReport
	for _, cfg := range configs {
		amount, err := s.deductForRetailer(ctx, cfg)
		if err != nil {
			report.Failed++
			s.logger.Printf("escrow: auto-deduct retailer %s: %v", cfg.RetailerID, err)
			continue
		}
		if amount == 0 {
			report.Skipped++
			continue
		}
		report.Processed++
		report.TotalAmount += amount
	}
	return report, nil
}

// deductForRetailer computes and records one retailer's deduction. Returns the
// amount deducted, zero when the retailer carries no recoverable debt.
func (s *Coordinator) deductForRetailer(ctx context.Context, cfg AutoDeductConfig) (int64, error) {
	outstanding, err := s.store.OutstandingDebt(ctx, cfg.RetailerID)
	if err != nil {
		return 0, err
	}
	if outstanding <= 0 {
		return 0, nil
	}

	deduction := int64(float64(outstanding) * cfg.DeductionPercentage / 100)
	if cfg.MaxDailyDeductionRWF != nil && deduction > *cfg.MaxDailyDeductionRWF {
		deduction = *cfg.MaxDailyDeductionRWF
	}
	if deduction > outstanding {
		deduction = outstanding
	}
	if deduction <= 0 {
		return 0, nil
	}

	holdID, remaining, err := s.store.OldestUnpaidHold(ctx, cfg.RetailerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	// A single sweep pays down one hold; the repayment-cap guard makes
	// anything above the hold's remaining balance unbookable.
	if deduction > remaining {
		deduction = remaining
	}

	notes := fmt.Sprintf("automatic deduction of %.1f%% of outstanding debt", cfg.DeductionPercentage)
	if _, err := s.RecordRepayment(ctx, RepaymentParams{
		EscrowHoldID:    holdID,
		RetailerID:      cfg.RetailerID,
		RepaymentAmount: deduction,
		RepaymentMethod: MethodAutoDeduct,
		Notes:           &notes,
	}); err != nil {
		return 0, err
	}
	return deduction, nil
}
