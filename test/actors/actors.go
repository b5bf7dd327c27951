package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HoldCreator opens new escrow holds for the retailer at a steady rate.
func HoldCreator(ctx context.Context, pool *pgxpool.Pool, retailerID, wholesalerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(1000 + rand.Intn(9000))
		_, err := pool.Exec(ctx, `
			INSERT INTO escrow_holds (order_id, retailer_id, wholesaler_id, order_amount, escrow_amount, auto_release_at)
			VALUES ($1, $2, $3, $4, $5, now() + interval '7 days')`,
			fmt.Sprintf("stress-order-%d", rand.Int63()), retailerID, wholesalerID, amount*2, amount)
		if err != nil {
			return fmt.Errorf("hold creator insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser races other releasers over the same wholesaler's held holds. The
// guarded UPDATE must let exactly one caller win per hold.
func Releaser(ctx context.Context, pool *pgxpool.Pool, wholesalerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var holdID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM escrow_holds
			WHERE wholesaler_id = $1 AND status = 'held'
			ORDER BY random() LIMIT 1`, wholesalerID).Scan(&holdID)
		if err == nil {
			var released string
			err = tx.QueryRow(ctx, `
				UPDATE escrow_holds
				SET status = 'released', confirmed_by = $2,
				    confirmed_at = get_tx_timestamp(), released_at = get_tx_timestamp(),
				    updated_at = get_tx_timestamp()
				WHERE id = $1 AND status = 'held'
				RETURNING id`, holdID, wholesalerID).Scan(&released)
			if err == nil {
				_, _ = tx.Exec(ctx, `
					INSERT INTO outbox (topic, payload)
					VALUES ('escrow.released', jsonb_build_object('escrow_id', $1::text, 'wholesaler_id', $2::text))`,
					released, wholesalerID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Repayer books repayments against the retailer's oldest unpaid hold while the
// row is locked, never exceeding the remaining balance.
func Repayer(ctx context.Context, pool *pgxpool.Pool, retailerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var holdID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM escrow_holds
			WHERE retailer_id = $1 AND status IN ('held', 'released')
			ORDER BY created_at LIMIT 1 FOR UPDATE`, retailerID).Scan(&holdID)
		if err == nil {
			var remaining int64
			err = tx.QueryRow(ctx, `
				SELECT h.escrow_amount - COALESCE((
				    SELECT SUM(repayment_amount) FROM escrow_repayments
				    WHERE escrow_hold_id = h.id AND status = 'completed'
				), 0)
				FROM escrow_holds h WHERE h.id = $1`, holdID).Scan(&remaining)
			if err == nil && remaining > 0 {
				amount := int64(1 + rand.Int63n(remaining))
				_, err = tx.Exec(ctx, `
					INSERT INTO escrow_repayments (escrow_hold_id, retailer_id, repayment_amount, repayment_method)
					VALUES ($1, $2, $3, 'manual')`, holdID, retailerID, amount)
				if err == nil {
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// AutoReleaser sweeps due holds the way the production sweep does, racing the
// manual releasers.
func AutoReleaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE escrow_holds
			SET status = 'released', confirmed_by = 'system_auto_release',
			    confirmed_at = get_tx_timestamp(), released_at = get_tx_timestamp(),
			    updated_at = get_tx_timestamp()
			WHERE status = 'held' AND auto_release_at <= now()`)
		if err != nil {
			return fmt.Errorf("auto releaser: %w", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// Disputer freezes random held holds; released and disputed holds must stay out
// of reach.
func Disputer(ctx context.Context, pool *pgxpool.Pool, retailerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE escrow_holds
			SET status = 'disputed', dispute_reason = 'stress dispute', dispute_raised_by = $1,
			    updated_at = get_tx_timestamp()
			WHERE id = (
			    SELECT id FROM escrow_holds
			    WHERE retailer_id = $1 AND status = 'held'
			    ORDER BY random() LIMIT 1
			) AND status = 'held'`, retailerID)
		if err != nil {
			return fmt.Errorf("disputer: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// processed, simulating occasional delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
