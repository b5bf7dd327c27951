package escrow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox topics emitted by the coordinator. Domain events ride in the same
// transaction as the local write; ledger-sync failures are recorded after the
// fact so a reconciliation worker can subscribe instead of grepping logs.
const (
	TopicEscrowCreated     = "escrow.created"
	TopicEscrowReleased    = "escrow.released"
	TopicEscrowDisputed    = "escrow.disputed"
	TopicRepaymentRecorded = "escrow.repayment_recorded"
	TopicLedgerSyncFailed  = "escrow.ledger_sync_failed"
)

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// EnqueueOutboxDirect writes outside any caller transaction, for events about
// work that has already committed (ledger-sync outcomes).
func (r *Repository) EnqueueOutboxDirect(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
