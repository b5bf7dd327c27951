package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and exercises the repository + coordinator end to end: create, repay in FIFO
// order, release, dispute and the auto-release sweep.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"escrow_holds", "escrow_repayments", "escrow_autodeduct_configs", "escrow_settings", "outbox"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations/ to $DATABASE_URL first", table)
		}
	}

	run := time.Now().UnixNano()
	retailerID := fmt.Sprintf("itest-retailer-%d", run)
	wholesalerID := fmt.Sprintf("itest-wholesaler-%d", run)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM escrow_repayments WHERE retailer_id = $1`, retailerID)
		pool.Exec(ctx2, `DELETE FROM escrow_autodeduct_configs WHERE retailer_id = $1`, retailerID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'retailer_id' = $1 OR payload->>'wholesaler_id' = $2`, retailerID, wholesalerID)
		// Holds are append-only; lift the guard just for test cleanup.
		pool.Exec(ctx2, `ALTER TABLE escrow_holds DISABLE TRIGGER no_delete_escrow_holds`)
		pool.Exec(ctx2, `DELETE FROM escrow_holds WHERE retailer_id = $1`, retailerID)
		pool.Exec(ctx2, `ALTER TABLE escrow_holds ENABLE TRIGGER no_delete_escrow_holds`)
	})

	lc := &fakeLedger{ref: fmt.Sprintf("itest-ledger-%d", run)}
	store := NewRepository(pool)
	coordinator := NewCoordinator(pool, store, lc, &fakeSettings{cfg: enabledSettings()}, "company_escrow_pool", log.New(&strings.Builder{}, "", 0))

	newHold := func(order string, escrowAmount int64) Hold {
		t.Helper()
		hold, err := coordinator.CreateEscrow(ctx, CreateParams{
			OrderID:      fmt.Sprintf("itest-order-%s-%d", order, run),
			RetailerID:   retailerID,
			WholesalerID: wholesalerID,
			OrderAmount:  escrowAmount * 2,
			EscrowAmount: escrowAmount,
			OrderDetails: map[string]any{"source": "go-test"},
		})
		if err != nil {
			t.Fatalf("create hold %s: %v", order, err)
		}
		return hold
	}

	// Create and verify ledger refs were stamped post-commit.
	holdA := newHold("a", 10000)
	if holdA.Status != StatusHeld {
		t.Fatalf("expected held status, got %s", holdA.Status)
	}
	if holdA.ExternalLedgerRef == nil || *holdA.ExternalLedgerRef != lc.ref {
		t.Fatalf("expected stamped ledger ref, got %+v", holdA.ExternalLedgerRef)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'escrow_id' = $2`,
		TopicEscrowCreated, holdA.ID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 escrow.created outbox message, got %d", outCount)
	}

	holdB := newHold("b", 6000)

	// FIFO: the older hold stays the amortisation target until fully repaid.
	id, remaining, err := store.OldestUnpaidHold(ctx, retailerID)
	if err != nil {
		t.Fatalf("oldest unpaid hold: %v", err)
	}
	if id != holdA.ID || remaining != 10000 {
		t.Fatalf("expected hold A with 10000 remaining, got %s with %d", id, remaining)
	}

	if _, err := coordinator.RecordRepayment(ctx, RepaymentParams{
		EscrowHoldID: holdA.ID, RetailerID: retailerID, RepaymentAmount: 4000, RepaymentMethod: MethodManual,
	}); err != nil {
		t.Fatalf("partial repayment: %v", err)
	}
	id, remaining, err = store.OldestUnpaidHold(ctx, retailerID)
	if err != nil {
		t.Fatalf("oldest unpaid hold after partial repayment: %v", err)
	}
	if id != holdA.ID || remaining != 6000 {
		t.Fatalf("expected hold A with 6000 remaining, got %s with %d", id, remaining)
	}

	if _, err := coordinator.RecordRepayment(ctx, RepaymentParams{
		EscrowHoldID: holdA.ID, RetailerID: retailerID, RepaymentAmount: 6000, RepaymentMethod: MethodManual,
	}); err != nil {
		t.Fatalf("final repayment: %v", err)
	}
	id, remaining, err = store.OldestUnpaidHold(ctx, retailerID)
	if err != nil {
		t.Fatalf("oldest unpaid hold after full repayment: %v", err)
	}
	if id != holdB.ID || remaining != 6000 {
		t.Fatalf("expected hold B with 6000 remaining, got %s with %d", id, remaining)
	}

	// Over-repayment is rejected before any row is written.
	if _, err := coordinator.RecordRepayment(ctx, RepaymentParams{
		EscrowHoldID: holdB.ID, RetailerID: retailerID, RepaymentAmount: 7000, RepaymentMethod: MethodManual,
	}); !errors.Is(err, ErrRepaymentExceedsBalance) {
		t.Fatalf("expected ErrRepaymentExceedsBalance, got %v", err)
	}

	// Release once, never twice.
	released, err := coordinator.ReleaseEscrow(ctx, holdB.ID, wholesalerID, nil)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased || released.ReleasedAt == nil {
		t.Fatalf("expected released hold with timestamp, got %+v", released)
	}
	if _, err := coordinator.ReleaseEscrow(ctx, holdB.ID, wholesalerID, nil); !errors.Is(err, ErrNotFoundOrReleased) {
		t.Fatalf("expected ErrNotFoundOrReleased on replay, got %v", err)
	}
	if _, err := coordinator.RaiseDispute(ctx, holdB.ID, "too late", retailerID); !errors.Is(err, ErrNotFoundOrReleased) {
		t.Fatalf("expected dispute on released hold to fail, got %v", err)
	}

	// Dispute freezes a held hold.
	holdC := newHold("c", 5000)
	disputed, err := coordinator.RaiseDispute(ctx, holdC.ID, "goods damaged in transit", retailerID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("expected disputed status, got %s", disputed.Status)
	}

	// Disputed holds drop out of the debt figure: A (repaid) + B released 6000.
	debt, err := store.OutstandingDebt(ctx, retailerID)
	if err != nil {
		t.Fatalf("outstanding debt: %v", err)
	}
	if debt != 6000 {
		t.Fatalf("expected 6000 outstanding, got %d", debt)
	}

	// Upsert keeps fields the caller did not provide.
	enabled := true
	pct := 25.0
	cfg, err := store.UpsertAutoDeductConfig(ctx, retailerID, UpdateAutoDeductParams{Enabled: &enabled, DeductionPercentage: &pct})
	if err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	if !cfg.Enabled || cfg.DeductionPercentage != 25 {
		t.Fatalf("unexpected config after first upsert: %+v", cfg)
	}
	maxDaily := int64(2000)
	cfg, err = store.UpsertAutoDeductConfig(ctx, retailerID, UpdateAutoDeductParams{MaxDailyDeductionRWF: &maxDaily})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !cfg.Enabled || cfg.DeductionPercentage != 25 {
		t.Fatalf("expected untouched fields to survive the upsert, got %+v", cfg)
	}
	if cfg.MaxDailyDeductionRWF == nil || *cfg.MaxDailyDeductionRWF != 2000 {
		t.Fatalf("expected max daily deduction 2000, got %+v", cfg.MaxDailyDeductionRWF)
	}

	// Auto-release sweep picks up holds past their deadline.
	holdD := newHold("d", 3000)
	if _, err := pool.Exec(ctx, `UPDATE escrow_holds SET auto_release_at = now() - interval '1 hour' WHERE id = $1`, holdD.ID); err != nil {
		t.Fatalf("backdate hold: %v", err)
	}
	report, err := coordinator.ProcessAutoReleases(ctx)
	if err != nil {
		t.Fatalf("auto-release sweep: %v", err)
	}
	if report.Released < 1 {
		t.Fatalf("expected at least one auto-release, got %+v", report)
	}
	var status, confirmedBy string
	if err := pool.QueryRow(ctx, `SELECT status::text, confirmed_by FROM escrow_holds WHERE id = $1`, holdD.ID).Scan(&status, &confirmedBy); err != nil {
		t.Fatalf("verify auto-released hold: %v", err)
	}
	if status != string(StatusReleased) || confirmedBy != SystemAutoRelease {
		t.Fatalf("expected system auto-release, got status=%s confirmed_by=%s", status, confirmedBy)
	}

	// Holds are append-only at the database level.
	if _, err := pool.Exec(ctx, `DELETE FROM escrow_holds WHERE id = $1`, holdA.ID); err == nil {
		t.Fatalf("expected delete on escrow_holds to be forbidden")
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
