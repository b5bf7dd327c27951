package escrow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/ledger"
	"escrowflow/settings"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SettingsSource yields a fresh business-rule snapshot per operation so admin
// changes take effect without restarting the process.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// Store is the data access the coordinator depends on. *Repository is the
// production implementation.
type Store interface {
	InsertHold(ctx context.Context, tx pgx.Tx, params insertHoldParams) (Hold, error)
	StampLedgerRefs(ctx context.Context, holdID, ledgerRef, balanceID string) error
	ReleaseHold(ctx context.Context, tx pgx.Tx, holdID, confirmedBy string, notes *string) (Hold, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, holdID, reason, raisedBy string) (Hold, error)
	GetHoldForUpdate(ctx context.Context, tx pgx.Tx, holdID string) (Hold, error)
	RepaidTotal(ctx context.Context, tx pgx.Tx, holdID string) (int64, error)
	InsertRepayment(ctx context.Context, tx pgx.Tx, params insertRepaymentParams) (Repayment, error)
	StampRepaymentLedgerRef(ctx context.Context, repaymentID, ledgerRef string) error
	OutstandingDebt(ctx context.Context, retailerID string) (int64, error)
	DueAutoReleases(ctx context.Context, now time.Time) ([]string, error)
	ActiveAutoDeductConfigs(ctx context.Context) ([]AutoDeductConfig, error)
	OldestUnpaidHold(ctx context.Context, retailerID string) (string, int64, error)
	UpsertAutoDeductConfig(ctx context.Context, retailerID string, params UpdateAutoDeductParams) (AutoDeductConfig, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	EnqueueOutboxDirect(ctx context.Context, topic string, payload map[string]any) error

	Reader
}

// Coordinator orchestrates escrow holds, releases, disputes and repayments.
// The local store is the durable source of truth; the external ledger is kept
// in step on a best-effort basis and its failures never roll back an
// already-valid local write.
type Coordinator struct {
	pool          TxBeginner
	store         Store
	ledger        ledger.Client
	settings      SettingsSource
	poolBalanceID string
	logger        *log.Logger
	now           func() time.Time
}

func NewCoordinator(pool TxBeginner, store Store, ledgerClient ledger.Client, settingsSrc SettingsSource, poolBalanceID string, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		pool:          pool,
		store:         store,
		ledger:        ledgerClient,
		settings:      settingsSrc,
		poolBalanceID: poolBalanceID,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock overrides the coordinator clock, for tests and sweeps.
func (s *Coordinator) WithClock(now func() time.Time) *Coordinator {
	s.now = now
	return s
}

// CreateEscrow opens a hold for an order. The hold commits locally first;
// only then is the ledger asked to move funds from the company pool to the
// hold's dedicated balance, so a ledger outage cannot block order creation.
func (s *Coordinator) CreateEscrow(ctx context.Context, params CreateParams) (Hold, error) {
	if params.OrderID == "" || params.RetailerID == "" || params.WholesalerID == "" {
		return Hold{}, fmt.Errorf("escrow: order, retailer and wholesaler ids required")
	}
	if params.EscrowAmount <= 0 || params.EscrowAmount > params.OrderAmount {
		return Hold{}, fmt.Errorf("%w: escrow %d against order %d", ErrInvalidAmount, params.EscrowAmount, params.OrderAmount)
	}

	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return Hold{}, err
	}
	if !cfg.EscrowEnabled {
		return Hold{}, ErrEscrowDisabled
	}

	outstanding, err := s.store.OutstandingDebt(ctx, params.RetailerID)
	if err != nil {
		return Hold{}, err
	}
	if outstanding+params.EscrowAmount > cfg.MaxOutstandingDebt {
		return Hold{}, fmt.Errorf("%w: outstanding %d + requested %d exceeds limit %d",
			ErrDebtLimitExceeded, outstanding, params.EscrowAmount, cfg.MaxOutstandingDebt)
	}

	days := cfg.AutoReleaseDays
	if params.AutoReleaseDays != nil && *params.AutoReleaseDays > 0 {
		days = *params.AutoReleaseDays
	}
	currency := params.Currency
	if currency == "" {
		currency = "RWF"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := s.store.InsertHold(ctx, tx, insertHoldParams{
		OrderID:              params.OrderID,
		RetailerID:           params.RetailerID,
		WholesalerID:         params.WholesalerID,
		OrderAmount:          params.OrderAmount,
		EscrowAmount:         params.EscrowAmount,
		Currency:             currency,
		AutoReleaseAt:        s.now().AddDate(0, 0, days),
		ConfirmationRequired: true,
		OrderDetails:         params.OrderDetails,
	})
	if err != nil {
		return Hold{}, err
	}

	if err := s.store.EnqueueOutbox(ctx, tx, TopicEscrowCreated, map[string]any{
		"escrow_id":     hold.ID,
		"order_id":      hold.OrderID,
		"retailer_id":   hold.RetailerID,
		"escrow_amount": hold.EscrowAmount,
	}); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	// Local state is committed; everything past this point is best effort.
	balanceID := ledger.EscrowBalance(hold.ID)
	ref, err := s.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		Amount:               hold.EscrowAmount,
		Currency:             hold.Currency,
		SourceBalanceID:      s.poolBalanceID,
		DestinationBalanceID: balanceID,
		Reference:            hold.ID,
		Description:          fmt.Sprintf("escrow hold for order %s", hold.OrderID),
		Metadata:             map[string]any{"order_id": hold.OrderID, "retailer_id": hold.RetailerID},
	})
	if err != nil {
		s.reportLedgerFailure(ctx, "create_escrow", hold.ID, err)
		return hold, nil
	}

	if err := s.store.StampLedgerRefs(ctx, hold.ID, ref, balanceID); err != nil {
		s.logger.Printf("escrow: stamp ledger refs for hold %s: %v", hold.ID, err)
		return hold, nil
	}
	hold.ExternalLedgerRef = &ref
	hold.ExternalBalanceID = &balanceID
	return hold, nil
}

// ReleaseEscrow pays a held hold out to the wholesaler. The guarded local
// update is the safety property: once released, a second call fails with
// ErrNotFoundOrReleased and never double-pays.
func (s *Coordinator) ReleaseEscrow(ctx context.Context, holdID, confirmedBy string, notes *string) (Hold, error) {
	if holdID == "" {
		return Hold{}, fmt.Errorf("escrow: hold id required")
	}
	if confirmedBy == "" {
		return Hold{}, fmt.Errorf("escrow: confirmed_by required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := s.store.ReleaseHold(ctx, tx, holdID, confirmedBy, notes)
	if err != nil {
		return Hold{}, err
	}

	if err := s.store.EnqueueOutbox(ctx, tx, TopicEscrowReleased, map[string]any{
		"escrow_id":     hold.ID,
		"wholesaler_id": hold.WholesalerID,
		"escrow_amount": hold.EscrowAmount,
		"confirmed_by":  confirmedBy,
	}); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, fmt.Errorf("escrow: commit release: %w", err)
	}

	// Without a ledger balance there is nothing to move externally; the hold
	// was tracked locally only.
	if hold.ExternalBalanceID == nil {
		return hold, nil
	}

	ref, err := s.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		Amount:               hold.EscrowAmount,
		Currency:             hold.Currency,
		SourceBalanceID:      *hold.ExternalBalanceID,
		DestinationBalanceID: ledger.WholesalerBalance(hold.WholesalerID),
		Reference:            hold.ID,
		Description:          fmt.Sprintf("escrow release for order %s", hold.OrderID),
		Metadata:             map[string]any{"confirmed_by": confirmedBy},
	})
	if err != nil {
		s.reportLedgerFailure(ctx, "release_escrow", hold.ID, err)
		return hold, nil
	}
	hold.ExternalLedgerRef = &ref
	return hold, nil
}

// RaiseDispute freezes a held hold. No funds move; resolution is manual.
func (s *Coordinator) RaiseDispute(ctx context.Context, holdID, reason, raisedBy string) (Hold, error) {
	if holdID == "" || reason == "" || raisedBy == "" {
		return Hold{}, fmt.Errorf("escrow: hold id, reason and raiser required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := s.store.MarkDisputed(ctx, tx, holdID, reason, raisedBy)
	if err != nil {
		return Hold{}, err
	}

	if err := s.store.EnqueueOutbox(ctx, tx, TopicEscrowDisputed, map[string]any{
		"escrow_id": hold.ID,
		"reason":    reason,
		"raised_by": raisedBy,
	}); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return hold, nil
}

// RecordRepayment books a debt-reduction event against a hold. The hold row
// is locked while the remaining balance is checked so concurrent repayments
// cannot overshoot the escrow amount.
func (s *Coordinator) RecordRepayment(ctx context.Context, params RepaymentParams) (Repayment, error) {
	if params.EscrowHoldID == "" || params.RetailerID == "" {
		return Repayment{}, fmt.Errorf("escrow: hold and retailer ids required")
	}
	if params.RepaymentAmount <= 0 {
		return Repayment{}, fmt.Errorf("%w: repayment %d", ErrInvalidAmount, params.RepaymentAmount)
	}
	if params.RepaymentMethod != MethodManual && params.RepaymentMethod != MethodAutoDeduct {
		return Repayment{}, fmt.Errorf("escrow: unknown repayment method %q", params.RepaymentMethod)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Repayment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := s.store.GetHoldForUpdate(ctx, tx, params.EscrowHoldID)
	if err != nil {
		return Repayment{}, err
	}

	repaid, err := s.store.RepaidTotal(ctx, tx, hold.ID)
	if err != nil {
		return Repayment{}, err
	}
	if repaid+params.RepaymentAmount > hold.EscrowAmount {
		return Repayment{}, fmt.Errorf("%w: repaid %d + %d exceeds escrow %d",
			ErrRepaymentExceedsBalance, repaid, params.RepaymentAmount, hold.EscrowAmount)
	}

	rec, err := s.store.InsertRepayment(ctx, tx, insertRepaymentParams{
		EscrowHoldID:     params.EscrowHoldID,
		RetailerID:       params.RetailerID,
		RepaymentAmount:  params.RepaymentAmount,
		RepaymentMethod:  params.RepaymentMethod,
		PaymentReference: params.PaymentReference,
		Notes:            params.Notes,
	})
	if err != nil {
		return Repayment{}, err
	}

	if err := s.store.EnqueueOutbox(ctx, tx, TopicRepaymentRecorded, map[string]any{
		"repayment_id": rec.ID,
		"escrow_id":    rec.EscrowHoldID,
		"retailer_id":  rec.RetailerID,
		"amount":       rec.RepaymentAmount,
		"method":       rec.RepaymentMethod,
	}); err != nil {
		return Repayment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Repayment{}, fmt.Errorf("escrow: commit repayment: %w", err)
	}

	if params.RepaymentMethod == MethodAutoDeduct {
		ref, err := s.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
			Amount:               rec.RepaymentAmount,
			Currency:             hold.Currency,
			SourceBalanceID:      ledger.RetailerBalance(params.RetailerID),
			DestinationBalanceID: s.poolBalanceID,
			Reference:            rec.ID,
			Description:          fmt.Sprintf("auto deduction against hold %s", hold.ID),
			Metadata:             map[string]any{"retailer_id": params.RetailerID},
		})
		if err != nil {
			s.reportLedgerFailure(ctx, "record_repayment", hold.ID, err)
			return rec, nil
		}
		if err := s.store.StampRepaymentLedgerRef(ctx, rec.ID, ref); err != nil {
			s.logger.Printf("escrow: stamp repayment ledger ref %s: %v", rec.ID, err)
			return rec, nil
		}
		rec.ExternalLedgerRef = &ref
	}
	return rec, nil
}

// UpdateAutoDeductSettings upserts the per-retailer auto-deduction policy.
func (s *Coordinator) UpdateAutoDeductSettings(ctx context.Context, retailerID string, params UpdateAutoDeductParams) (AutoDeductConfig, error) {
	if retailerID == "" {
		return AutoDeductConfig{}, fmt.Errorf("escrow: retailer id required")
	}
	if params.Enabled == nil && params.DeductionPercentage == nil &&
		params.MinimumBalanceRWF == nil && params.MaxDailyDeductionRWF == nil &&
		params.Suspended == nil {
		return AutoDeductConfig{}, ErrNoFieldsProvided
	}
	if params.DeductionPercentage != nil && (*params.DeductionPercentage < 0 || *params.DeductionPercentage > 100) {
		return AutoDeductConfig{}, fmt.Errorf("escrow: deduction percentage %v out of range", *params.DeductionPercentage)
	}
	return s.store.UpsertAutoDeductConfig(ctx, retailerID, params)
}

// reportLedgerFailure logs the failed ledger call and emits a typed outbox
// event so reconciliation can pick it up. The calling operation has already
// succeeded locally; nothing here affects its outcome.
func (s *Coordinator) reportLedgerFailure(ctx context.Context, operation, holdID string, cause error) {
	s.logger.Printf("escrow: ledger sync failed (op=%s hold=%s): %v", operation, holdID, cause)
	if err := s.store.EnqueueOutboxDirect(ctx, TopicLedgerSyncFailed, map[string]any{
		"operation": operation,
		"escrow_id": holdID,
		"error":     cause.Error(),
	}); err != nil {
		s.logger.Printf("escrow: record ledger sync failure for hold %s: %v", holdID, err)
	}
}
