package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_over_repayment",
			SQL: `SELECT h.id, h.escrow_amount, SUM(rp.repayment_amount)
                  FROM escrow_holds h
                  JOIN escrow_repayments rp ON rp.escrow_hold_id = h.id AND rp.status = 'completed'
                  GROUP BY h.id, h.escrow_amount
                  HAVING SUM(rp.repayment_amount) > h.escrow_amount`,
		},
		{
			Name: "O2_release_stamps",
			SQL: `SELECT id FROM escrow_holds
                  WHERE status = 'released' AND (released_at IS NULL OR confirmed_by IS NULL)`,
		},
		{
			Name: "O3_held_without_release_stamps",
			SQL: `SELECT id FROM escrow_holds
                  WHERE status = 'held' AND released_at IS NOT NULL`,
		},
		{
			Name: "O4_dispute_stamps",
			SQL: `SELECT id FROM escrow_holds
                  WHERE status = 'disputed' AND (dispute_reason IS NULL OR dispute_raised_by IS NULL)`,
		},
		{
			Name: "O5_amount_bounds",
			SQL: `SELECT id FROM escrow_holds
                  WHERE escrow_amount <= 0 OR escrow_amount > order_amount`,
		},
		{
			Name: "O6_positive_repayments",
			SQL:  `SELECT id FROM escrow_repayments WHERE repayment_amount <= 0`,
		},
		{
			Name: "O7_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_config_pct_range",
			SQL: `SELECT retailer_id FROM escrow_autodeduct_configs
                  WHERE deduction_percentage < 0 OR deduction_percentage > 100`,
		},
		{
			Name: "O9_hold_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_escrow_holds')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
