package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/batchline-systems/batchline/internal/models"
)

// ClaimDue atomically claims up to limit due deliveries. SKIP LOCKED keeps
// concurrent dispatchers from claiming the same rows; the status flip to
// delivering keeps a row from being claimed twice across poll cycles.
func (r *PostgresRepository) ClaimDue(ctx context.Context, limit int) ([]*models.WebhookDelivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'delivering', updated_at = now()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, subscription, kind, target_url, payload, status,
			attempt_count, last_error, next_attempt_at, created_at, updated_at, delivered_at
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		d := &models.WebhookDelivery{}
		if err := scanDelivery(rows, d); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return deliveries, nil
}

// MarkDelivered finishes a delivery and records the successful attempt.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, id string, attempt *models.DeliveryAttempt) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempt_count = $2, last_error = NULL,
			delivered_at = now(), updated_at = now()
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, attempt.AttemptNumber)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}

	if err := insertAttempt(ctx, tx, id, attempt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivered state: %w", err)
	}
	return nil
}

// RescheduleDelivery returns a failed delivery to pending with its next
// attempt time and records the failed attempt.
func (r *PostgresRepository) RescheduleDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, nextAttemptAt time.Time, lastError string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE webhook_deliveries
		SET status = 'pending', attempt_count = $2, last_error = $3,
			next_attempt_at = $4, updated_at = now()
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, attempt.AttemptNumber, lastError, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to reschedule delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}

	if err := insertAttempt(ctx, tx, id, attempt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reschedule: %w", err)
	}
	return nil
}

// AbandonDelivery parks a delivery whose attempt budget is exhausted.
func (r *PostgresRepository) AbandonDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, lastError string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE webhook_deliveries
		SET status = 'abandoned', attempt_count = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, attempt.AttemptNumber, lastError)
	if err != nil {
		return fmt.Errorf("failed to abandon delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}

	if err := insertAttempt(ctx, tx, id, attempt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit abandon: %w", err)
	}
	return nil
}

// RequeueStuck returns deliveries left in delivering by a crashed dispatcher
// to pending. They become due immediately; the attempt that may or may not
// have reached the endpoint is resolved by the receiver's own idempotency on
// the delivery ID.
func (r *PostgresRepository) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		UPDATE webhook_deliveries
		SET status = 'pending', next_attempt_at = now(), updated_at = now()
		WHERE status = 'delivering' AND updated_at < $1
	`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck deliveries: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// ReplayDelivery resets an abandoned delivery to pending, due now.
func (r *PostgresRepository) ReplayDelivery(ctx context.Context, id string) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'pending', next_attempt_at = now(), last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'abandoned'
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to replay delivery: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish missing from merely not abandoned
		if _, err := r.GetDelivery(ctx, id); err != nil {
			return err
		}
		return ErrNotReplayable
	}

	return nil
}

// GetDelivery retrieves a delivery by ID
func (r *PostgresRepository) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	query := `
		SELECT id, event_id, subscription, kind, target_url, payload, status,
			attempt_count, last_error, next_attempt_at, created_at, updated_at, delivered_at
		FROM webhook_deliveries
		WHERE id = $1
	`

	d := &models.WebhookDelivery{}
	row := r.pool.QueryRow(ctx, query, id)
	if err := scanDelivery(row, d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}

	return d, nil
}

// ListDeliveries retrieves a paginated list of deliveries
func (r *PostgresRepository) ListDeliveries(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if req.Status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, req.Status)
		argPos++
	}
	if req.Subscription != "" {
		whereClause += fmt.Sprintf(" AND subscription = $%d", argPos)
		args = append(args, req.Subscription)
		argPos++
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM webhook_deliveries %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deliveries: %w", err)
	}

	offset := (req.Page - 1) * req.Limit
	args = append(args, req.Limit, offset)

	query := fmt.Sprintf(`
		SELECT id, event_id, subscription, kind, target_url, payload, status,
			attempt_count, last_error, next_attempt_at, created_at, updated_at, delivered_at
		FROM webhook_deliveries
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		d := &models.WebhookDelivery{}
		if err := scanDelivery(rows, d); err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("row iteration error: %w", err)
	}

	return deliveries, total, nil
}

// GetDeliveryAttempts retrieves the attempt history for a delivery
func (r *PostgresRepository) GetDeliveryAttempts(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, delivery_id, attempt_number, status, http_status, error, duration_ms, attempted_at
		FROM webhook_delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number
	`

	rows, err := r.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*models.DeliveryAttempt{}
	for rows.Next() {
		a := &models.DeliveryAttempt{}
		if err := rows.Scan(
			&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.Status,
			&a.HTTPStatus, &a.Error, &a.DurationMs, &a.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return attempts, nil
}

// insertAttempt records one attempt inside the caller's transaction.
func insertAttempt(ctx context.Context, tx pgx.Tx, deliveryID string, a *models.DeliveryAttempt) error {
	query := `
		INSERT INTO webhook_delivery_attempts (delivery_id, attempt_number, status, http_status, error, duration_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := tx.Exec(ctx, query,
		deliveryID, a.AttemptNumber, a.Status, a.HTTPStatus,
		a.Error, a.DurationMs, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}
	return nil
}

// scanDelivery scans one delivery row from either a Row or Rows source.
func scanDelivery(row pgx.Row, d *models.WebhookDelivery) error {
	err := row.Scan(
		&d.ID, &d.EventID, &d.Subscription, &d.Kind, &d.TargetURL,
		&d.Payload, &d.Status, &d.AttemptCount, &d.LastError,
		&d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return fmt.Errorf("failed to scan delivery: %w", err)
	}
	return nil
}
