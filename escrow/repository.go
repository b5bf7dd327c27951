package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const holdColumns = `id, order_id, retailer_id, wholesaler_id, order_amount, escrow_amount,
       currency, status::text, auto_release_at, confirmation_required,
       external_ledger_ref, external_balance_id, dispute_reason, dispute_raised_by,
       notes, confirmed_by, confirmed_at, released_at, created_at, updated_at`

// Repository is the escrow store: all SQL against escrow_holds,
// escrow_repayments and escrow_autodeduct_configs lives here. Write-path
// methods take the caller's transaction so the coordinator controls the
// commit boundary.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type insertHoldParams struct {
	OrderID              string
	RetailerID           string
	WholesalerID         string
	OrderAmount          int64
	EscrowAmount         int64
	Currency             string
	AutoReleaseAt        time.Time
	ConfirmationRequired bool
	OrderDetails         map[string]any
}

func (r *Repository) InsertHold(ctx context.Context, tx pgx.Tx, params insertHoldParams) (Hold, error) {
	details := params.OrderDetails
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: marshal order details: %w", err)
	}

	query := `
		INSERT INTO escrow_holds
			(order_id, retailer_id, wholesaler_id, order_amount, escrow_amount,
			 currency, status, auto_release_at, confirmation_required, order_details)
		VALUES ($1, $2, $3, $4, $5, $6, 'held', $7, $8, $9::jsonb)
		RETURNING ` + holdColumns

	row := tx.QueryRow(ctx, query,
		params.OrderID,
		params.RetailerID,
		params.WholesalerID,
		params.OrderAmount,
		params.EscrowAmount,
		params.Currency,
		params.AutoReleaseAt,
		params.ConfirmationRequired,
		body,
	)
	hold, err := scanHold(row)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: insert hold: %w", err)
	}
	return hold, nil
}

// StampLedgerRefs records the external ledger outcome after the hold's own
// transaction has already committed. Best effort by design: the hold is valid
// without these fields.
func (r *Repository) StampLedgerRefs(ctx context.Context, holdID, ledgerRef, balanceID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_holds
		SET external_ledger_ref = $2,
		    external_balance_id = $3,
		    updated_at = now()
		WHERE id = $1
	`, holdID, ledgerRef, balanceID)
	if err != nil {
		return fmt.Errorf("escrow: stamp ledger refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseHold flips a held hold to released in one guarded UPDATE. The status
// predicate is the double-release guard: a second call affects zero rows.
func (r *Repository) ReleaseHold(ctx context.Context, tx pgx.Tx, holdID, confirmedBy string, notes *string) (Hold, error) {
	query := `
		UPDATE escrow_holds
		SET status = 'released',
		    confirmed_by = $2,
		    confirmed_at = get_tx_timestamp(),
		    released_at = get_tx_timestamp(),
		    notes = COALESCE($3, notes),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'held'
		RETURNING ` + holdColumns

	row := tx.QueryRow(ctx, query, holdID, confirmedBy, notes)
	hold, err := scanHold(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFoundOrReleased
		}
		return Hold{}, fmt.Errorf("escrow: release hold: %w", err)
	}
	return hold, nil
}

// MarkDisputed transitions a held hold to disputed. Terminal holds are not
// re-disputable.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, holdID, reason, raisedBy string) (Hold, error) {
	query := `
		UPDATE escrow_holds
		SET status = 'disputed',
		    dispute_reason = $2,
		    dispute_raised_by = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'held'
		RETURNING ` + holdColumns

	row := tx.QueryRow(ctx, query, holdID, reason, raisedBy)
	hold, err := scanHold(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFoundOrReleased
		}
		return Hold{}, fmt.Errorf("escrow: mark disputed: %w", err)
	}
	return hold, nil
}

// GetHoldForUpdate locks the hold row for the remainder of the transaction so
// concurrent repayments against the same hold serialize on the balance check.
func (r *Repository) GetHoldForUpdate(ctx context.Context, tx pgx.Tx, holdID string) (Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE id = $1 FOR UPDATE`
	hold, err := scanHold(tx.QueryRow(ctx, query, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("escrow: get hold for update: %w", err)
	}
	return hold, nil
}

func (r *Repository) RepaidTotal(ctx context.Context, tx pgx.Tx, holdID string) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(repayment_amount), 0)
		FROM escrow_repayments
		WHERE escrow_hold_id = $1 AND status = 'completed'
	`, holdID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("escrow: sum repayments: %w", err)
	}
	return total, nil
}

type insertRepaymentParams struct {
	EscrowHoldID     string
	RetailerID       string
	RepaymentAmount  int64
	RepaymentMethod  Method
	PaymentReference *string
	Notes            *string
}

func (r *Repository) InsertRepayment(ctx context.Context, tx pgx.Tx, params insertRepaymentParams) (Repayment, error) {
	const query = `
		INSERT INTO escrow_repayments
			(escrow_hold_id, retailer_id, repayment_amount, repayment_method,
			 payment_reference, notes, status)
		VALUES ($1, $2, $3, $4::repayment_method, $5, $6, 'completed')
		RETURNING id, escrow_hold_id, retailer_id, repayment_amount,
		          repayment_method::text, payment_reference, external_ledger_ref,
		          status, notes, processed_at
	`

	var rec Repayment
	err := tx.QueryRow(ctx, query,
		params.EscrowHoldID,
		params.RetailerID,
		params.RepaymentAmount,
		params.RepaymentMethod,
		params.PaymentReference,
		params.Notes,
	).Scan(
		&rec.ID,
		&rec.EscrowHoldID,
		&rec.RetailerID,
		&rec.RepaymentAmount,
		&rec.RepaymentMethod,
		&rec.PaymentReference,
		&rec.ExternalLedgerRef,
		&rec.Status,
		&rec.Notes,
		&rec.ProcessedAt,
	)
	if err != nil {
		return Repayment{}, fmt.Errorf("escrow: insert repayment: %w", err)
	}
	return rec, nil
}

func (r *Repository) StampRepaymentLedgerRef(ctx context.Context, repaymentID, ledgerRef string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_repayments SET external_ledger_ref = $2 WHERE id = $1
	`, repaymentID, ledgerRef)
	if err != nil {
		return fmt.Errorf("escrow: stamp repayment ledger ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OutstandingDebt derives the retailer's unpaid escrow obligation: escrow
// amounts of held and released holds minus completed repayments.
func (r *Repository) OutstandingDebt(ctx context.Context, retailerID string) (int64, error) {
	var debt int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE((
		    SELECT SUM(escrow_amount) FROM escrow_holds
		    WHERE retailer_id = $1 AND status IN ('held', 'released')
		), 0) - COALESCE((
		    SELECT SUM(repayment_amount) FROM escrow_repayments
		    WHERE retailer_id = $1 AND status = 'completed'
		), 0)
	`, retailerID).Scan(&debt)
	if err != nil {
		return 0, fmt.Errorf("escrow: outstanding debt: %w", err)
	}
	return debt, nil
}

// DueAutoReleases lists holds whose confirmation window elapsed without a
// manual confirmation, oldest deadline first.
func (r *Repository) DueAutoReleases(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM escrow_holds
		WHERE status = 'held' AND auto_release_at <= $1 AND confirmation_required = true
		ORDER BY auto_release_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("escrow: due auto releases: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan due hold: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due holds: %w", err)
	}
	return ids, nil
}

func (r *Repository) ActiveAutoDeductConfigs(ctx context.Context) ([]AutoDeductConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT retailer_id, enabled, deduction_percentage, minimum_balance_rwf,
		       max_daily_deduction_rwf, suspended, updated_at
		FROM escrow_autodeduct_configs
		WHERE enabled = true AND suspended = false
		ORDER BY retailer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("escrow: active auto-deduct configs: %w", err)
	}
	defer rows.Close()

	configs := make([]AutoDeductConfig, 0, 16)
	for rows.Next() {
		var cfg AutoDeductConfig
		if err := rows.Scan(
			&cfg.RetailerID,
			&cfg.Enabled,
			&cfg.DeductionPercentage,
			&cfg.MinimumBalanceRWF,
			&cfg.MaxDailyDeductionRWF,
			&cfg.Suspended,
			&cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("escrow: scan auto-deduct config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate auto-deduct configs: %w", err)
	}
	return configs, nil
}

// OldestUnpaidHold picks the FIFO target for debt amortisation: the
// longest-outstanding hold whose escrow amount still exceeds its completed
// repayments. Returns the hold id and remaining balance.
func (r *Repository) OldestUnpaidHold(ctx context.Context, retailerID string) (string, int64, error) {
	const query = `
		SELECT h.id, h.escrow_amount - COALESCE(SUM(rp.repayment_amount), 0) AS remaining
		FROM escrow_holds h
		LEFT JOIN escrow_repayments rp
		       ON rp.escrow_hold_id = h.id AND rp.status = 'completed'
		WHERE h.retailer_id = $1 AND h.status IN ('held', 'released')
		GROUP BY h.id, h.escrow_amount, h.created_at
		HAVING h.escrow_amount - COALESCE(SUM(rp.repayment_amount), 0) > 0
		ORDER BY h.created_at
		LIMIT 1
	`

	var (
		id        string
		remaining int64
	)
	err := r.pool.QueryRow(ctx, query, retailerID).Scan(&id, &remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("escrow: oldest unpaid hold: %w", err)
	}
	return id, remaining, nil
}

// UpsertAutoDeductConfig applies insert-if-absent, update-only-provided-fields
// semantics. Nil params fall through to the stored (or default) value.
func (r *Repository) UpsertAutoDeductConfig(ctx context.Context, retailerID string, params UpdateAutoDeductParams) (AutoDeductConfig, error) {
	const query = `
		INSERT INTO escrow_autodeduct_configs
			(retailer_id, enabled, deduction_percentage, minimum_balance_rwf,
			 max_daily_deduction_rwf, suspended, updated_at)
		VALUES ($1,
		        COALESCE($2::boolean, false),
		        COALESCE($3::double precision, 30),
		        COALESCE($4::bigint, 10000),
		        $5::bigint,
		        COALESCE($6::boolean, false),
		        get_tx_timestamp())
		ON CONFLICT (retailer_id) DO UPDATE SET
		        enabled                 = COALESCE($2::boolean, escrow_autodeduct_configs.enabled),
		        deduction_percentage    = COALESCE($3::double precision, escrow_autodeduct_configs.deduction_percentage),
		        minimum_balance_rwf     = COALESCE($4::bigint, escrow_autodeduct_configs.minimum_balance_rwf),
		        max_daily_deduction_rwf = COALESCE($5::bigint, escrow_autodeduct_configs.max_daily_deduction_rwf),
		        suspended               = COALESCE($6::boolean, escrow_autodeduct_configs.suspended),
		        updated_at              = get_tx_timestamp()
		RETURNING retailer_id, enabled, deduction_percentage, minimum_balance_rwf,
		          max_daily_deduction_rwf, suspended, updated_at
	`

	var cfg AutoDeductConfig
	err := r.pool.QueryRow(ctx, query,
		retailerID,
		params.Enabled,
		params.DeductionPercentage,
		params.MinimumBalanceRWF,
		params.MaxDailyDeductionRWF,
		params.Suspended,
	).Scan(
		&cfg.RetailerID,
		&cfg.Enabled,
		&cfg.DeductionPercentage,
		&cfg.MinimumBalanceRWF,
		&cfg.MaxDailyDeductionRWF,
		&cfg.Suspended,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return AutoDeductConfig{}, fmt.Errorf("escrow: upsert auto-deduct config: %w", err)
	}
	return cfg, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	err := row.Scan(
		&h.ID,
		&h.OrderID,
		&h.RetailerID,
		&h.WholesalerID,
		&h.OrderAmount,
		&h.EscrowAmount,
		&h.Currency,
		&h.Status,
		&h.AutoReleaseAt,
		&h.ConfirmationRequired,
		&h.ExternalLedgerRef,
		&h.ExternalBalanceID,
		&h.DisputeReason,
		&h.DisputeRaisedBy,
		&h.Notes,
		&h.ConfirmedBy,
		&h.ConfirmedAt,
		&h.ReleasedAt,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	return h, err
}
