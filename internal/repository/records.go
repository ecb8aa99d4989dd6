package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/batchline-systems/batchline/internal/models"
)

// Record upserts are single conditional statements. The DO UPDATE guard
// encodes the conflict-resolution rule:
//
//   - when both rows carry a revision, the higher revision wins;
//   - otherwise the row whose file entered intake later wins
//     (source_ingested_at, which is stable across replays);
//   - content-identical incoming rows never write, whatever their ordering.
//
// RETURNING (xmax = 0) distinguishes insert from update; a guarded-out update
// returns no row at all, which scans as pgx.ErrNoRows and is reported as
// ResultUnchanged. Delivery fan-out rows ride in the same transaction as the
// upsert, so a committed change always has its notifications on disk.

// UpsertSettlement applies one settlement candidate.
func (r *PostgresRepository) UpsertSettlement(ctx context.Context, s *models.Settlement, fanout FanoutFunc) (UpsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ResultUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO settlements (id, merchant_id, business_date, batch_id, currency,
			gross_amount_minor, fee_amount_minor, net_amount_minor, txn_count,
			revision, source_ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (merchant_id, business_date, batch_id) DO UPDATE SET
			currency = EXCLUDED.currency,
			gross_amount_minor = EXCLUDED.gross_amount_minor,
			fee_amount_minor = EXCLUDED.fee_amount_minor,
			net_amount_minor = EXCLUDED.net_amount_minor,
			txn_count = EXCLUDED.txn_count,
			revision = EXCLUDED.revision,
			source_ingested_at = EXCLUDED.source_ingested_at,
			updated_at = now()
		WHERE (
			CASE
				WHEN EXCLUDED.revision IS NOT NULL AND settlements.revision IS NOT NULL
					THEN EXCLUDED.revision > settlements.revision
				ELSE EXCLUDED.source_ingested_at >= settlements.source_ingested_at
			END
		)
		AND (settlements.currency, settlements.gross_amount_minor, settlements.fee_amount_minor,
			settlements.net_amount_minor, settlements.txn_count, settlements.revision)
			IS DISTINCT FROM
			(EXCLUDED.currency, EXCLUDED.gross_amount_minor, EXCLUDED.fee_amount_minor,
			EXCLUDED.net_amount_minor, EXCLUDED.txn_count, EXCLUDED.revision)
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err = tx.QueryRow(ctx, query,
		s.ID, s.MerchantID, s.BusinessDate, s.BatchID, s.Currency,
		s.GrossAmountMinor, s.FeeAmountMinor, s.NetAmountMinor, s.TxnCount,
		s.Revision, s.SourceIngestedAt,
	).Scan(&inserted)

	result, err := classifyUpsert(inserted, err)
	if err != nil {
		return result, fmt.Errorf("failed to upsert settlement: %w", err)
	}

	if result.Changed() && fanout != nil {
		if err := insertFanout(ctx, tx, fanout(result)); err != nil {
			return ResultUnchanged, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ResultUnchanged, fmt.Errorf("failed to commit settlement upsert: %w", err)
	}
	return result, nil
}

// UpsertDispute applies one dispute candidate.
func (r *PostgresRepository) UpsertDispute(ctx context.Context, d *models.Dispute, fanout FanoutFunc) (UpsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ResultUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO disputes (id, merchant_id, case_reference, status, reason_code,
			amount_minor, currency, opened_at, revision, source_ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (merchant_id, case_reference) DO UPDATE SET
			status = EXCLUDED.status,
			reason_code = EXCLUDED.reason_code,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			opened_at = EXCLUDED.opened_at,
			revision = EXCLUDED.revision,
			source_ingested_at = EXCLUDED.source_ingested_at,
			updated_at = now()
		WHERE (
			CASE
				WHEN EXCLUDED.revision IS NOT NULL AND disputes.revision IS NOT NULL
					THEN EXCLUDED.revision > disputes.revision
				ELSE EXCLUDED.source_ingested_at >= disputes.source_ingested_at
			END
		)
		AND (disputes.status, disputes.reason_code, disputes.amount_minor,
			disputes.currency, disputes.opened_at, disputes.revision)
			IS DISTINCT FROM
			(EXCLUDED.status, EXCLUDED.reason_code, EXCLUDED.amount_minor,
			EXCLUDED.currency, EXCLUDED.opened_at, EXCLUDED.revision)
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err = tx.QueryRow(ctx, query,
		d.ID, d.MerchantID, d.CaseReference, d.Status, d.ReasonCode,
		d.AmountMinor, d.Currency, d.OpenedAt, d.Revision, d.SourceIngestedAt,
	).Scan(&inserted)

	result, err := classifyUpsert(inserted, err)
	if err != nil {
		return result, fmt.Errorf("failed to upsert dispute: %w", err)
	}

	if result.Changed() && fanout != nil {
		if err := insertFanout(ctx, tx, fanout(result)); err != nil {
			return ResultUnchanged, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ResultUnchanged, fmt.Errorf("failed to commit dispute upsert: %w", err)
	}
	return result, nil
}

// InsertConfigSnapshot stores one immutable snapshot. A duplicate
// (merchant_id, captured_at) pair is a no-op, never an update.
func (r *PostgresRepository) InsertConfigSnapshot(ctx context.Context, c *models.ConfigSnapshot, fanout FanoutFunc) (UpsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ResultUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO config_snapshots (id, merchant_id, captured_at, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (merchant_id, captured_at) DO NOTHING
		RETURNING id
	`

	var inserted string
	err = tx.QueryRow(ctx, query, c.ID, c.MerchantID, c.CapturedAt, c.Payload, c.ReceivedAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResultUnchanged, nil
	}
	if err != nil {
		return ResultUnchanged, fmt.Errorf("failed to insert config snapshot: %w", err)
	}

	if fanout != nil {
		if err := insertFanout(ctx, tx, fanout(ResultCreated)); err != nil {
			return ResultUnchanged, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ResultUnchanged, fmt.Errorf("failed to commit config snapshot: %w", err)
	}
	return ResultCreated, nil
}

// classifyUpsert maps the RETURNING scan outcome to an UpsertResult.
func classifyUpsert(inserted bool, err error) (UpsertResult, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return ResultUnchanged, nil
	}
	if err != nil {
		return ResultUnchanged, err
	}
	if inserted {
		return ResultCreated, nil
	}
	return ResultUpdated, nil
}

// insertFanout adds the owed delivery rows inside the caller's transaction.
// The (event_id, subscription) constraint folds double-inserts from races.
func insertFanout(ctx context.Context, tx pgx.Tx, fanout []*models.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (id, event_id, subscription, kind, target_url, payload, status, attempt_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (event_id, subscription) DO NOTHING
	`

	for _, d := range fanout {
		_, err := tx.Exec(ctx, query,
			d.ID, d.EventID, d.Subscription, d.Kind, d.TargetURL,
			d.Payload, d.Status, d.NextAttemptAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert delivery fanout: %w", err)
		}
	}
	return nil
}
