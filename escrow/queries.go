package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Reader is the read-side contract: plain projections with no invariants
// beyond read consistency.
type Reader interface {
	GetEscrowByID(ctx context.Context, holdID string) (Hold, error)
	GetRetailerSummary(ctx context.Context, retailerID string) (DebtSummary, error)
	GetRetailerEscrows(ctx context.Context, retailerID string, status *Status) ([]Hold, error)
	GetWholesalerPendingEscrows(ctx context.Context, wholesalerID string) ([]Hold, error)
	GetWholesalerEscrows(ctx context.Context, wholesalerID string, status *Status) ([]Hold, error)
	GetWholesalerSummary(ctx context.Context, wholesalerID string) (WholesalerSummary, error)
}

func (r *Repository) GetEscrowByID(ctx context.Context, holdID string) (Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE id = $1`
	hold, err := scanHold(r.pool.QueryRow(ctx, query, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("escrow: get hold: %w", err)
	}
	return hold, nil
}

func (r *Repository) GetRetailerSummary(ctx context.Context, retailerID string) (DebtSummary, error) {
	const query = `
		SELECT
		    COALESCE((SELECT SUM(escrow_amount) FROM escrow_holds
		              WHERE retailer_id = $1 AND status IN ('held', 'released')), 0),
		    COALESCE((SELECT SUM(repayment_amount) FROM escrow_repayments
		              WHERE retailer_id = $1 AND status = 'completed'), 0),
		    (SELECT COUNT(*) FROM escrow_holds
		     WHERE retailer_id = $1 AND status = 'held')
	`

	summary := DebtSummary{RetailerID: retailerID}
	if err := r.pool.QueryRow(ctx, query, retailerID).Scan(
		&summary.TotalEscrowed,
		&summary.TotalRepaid,
		&summary.ActiveHolds,
	); err != nil {
		return DebtSummary{}, fmt.Errorf("escrow: retailer summary: %w", err)
	}
	summary.OutstandingDebt = summary.TotalEscrowed - summary.TotalRepaid
	return summary, nil
}

func (r *Repository) GetRetailerEscrows(ctx context.Context, retailerID string, status *Status) ([]Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE retailer_id = $1`
	args := []any{retailerID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`
	return r.listHolds(ctx, query, args...)
}

// GetWholesalerPendingEscrows orders by the release deadline so the soonest
// expiring holds top the wholesaler's action queue.
func (r *Repository) GetWholesalerPendingEscrows(ctx context.Context, wholesalerID string) ([]Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds
		WHERE wholesaler_id = $1 AND status = 'held'
		ORDER BY auto_release_at`
	return r.listHolds(ctx, query, wholesalerID)
}

func (r *Repository) GetWholesalerEscrows(ctx context.Context, wholesalerID string, status *Status) ([]Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM escrow_holds WHERE wholesaler_id = $1`
	args := []any{wholesalerID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`
	return r.listHolds(ctx, query, args...)
}

func (r *Repository) GetWholesalerSummary(ctx context.Context, wholesalerID string) (WholesalerSummary, error) {
	const query = `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'held'),
		    COALESCE(SUM(escrow_amount) FILTER (WHERE status = 'held'), 0),
		    COUNT(*) FILTER (WHERE status = 'released'),
		    COALESCE(SUM(escrow_amount) FILTER (WHERE status = 'released'), 0),
		    COUNT(*) FILTER (WHERE status = 'disputed'),
		    COALESCE(SUM(escrow_amount) FILTER (WHERE status = 'disputed'), 0),
		    MAX(released_at)
		FROM escrow_holds
		WHERE wholesaler_id = $1
	`

	summary := WholesalerSummary{WholesalerID: wholesalerID}
	if err := r.pool.QueryRow(ctx, query, wholesalerID).Scan(
		&summary.PendingCount,
		&summary.PendingAmount,
		&summary.ReleasedCount,
		&summary.ReleasedAmount,
		&summary.DisputedCount,
		&summary.DisputedAmount,
		&summary.LastPaymentDate,
	); err != nil {
		return WholesalerSummary{}, fmt.Errorf("escrow: wholesaler summary: %w", err)
	}
	return summary, nil
}

func (r *Repository) listHolds(ctx context.Context, query string, args ...any) ([]Hold, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list holds: %w", err)
	}
	defer rows.Close()

	holds := make([]Hold, 0, 8)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan hold: %w", err)
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate holds: %w", err)
	}
	return holds, nil
}

// Read-side pass-throughs so callers can stay on the coordinator for the
// whole public contract.

func (s *Coordinator) GetEscrowByID(ctx context.Context, holdID string) (Hold, error) {
	return s.store.GetEscrowByID(ctx, holdID)
}

func (s *Coordinator) GetRetailerSummary(ctx context.Context, retailerID string) (DebtSummary, error) {
	return s.store.GetRetailerSummary(ctx, retailerID)
}

func (s *Coordinator) GetRetailerEscrows(ctx context.Context, retailerID string, status *Status) ([]Hold, error) {
	return s.store.GetRetailerEscrows(ctx, retailerID, status)
}

func (s *Coordinator) GetWholesalerPendingEscrows(ctx context.Context, wholesalerID string) ([]Hold, error) {
	return s.store.GetWholesalerPendingEscrows(ctx, wholesalerID)
}

func (s *Coordinator) GetWholesalerEscrows(ctx context.Context, wholesalerID string, status *Status) ([]Hold, error) {
	return s.store.GetWholesalerEscrows(ctx, wholesalerID, status)
}

func (s *Coordinator) GetWholesalerSummary(ctx context.Context, wholesalerID string) (WholesalerSummary, error) {
	return s.store.GetWholesalerSummary(ctx, wholesalerID)
}
