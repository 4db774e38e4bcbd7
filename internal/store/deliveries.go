package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deliveries persists delivery attempt records. One row per
// (queued message, provider): retries against the same provider reuse the
// row and bump the attempt count; a provider switch opens a new row.
type Deliveries struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveries creates a delivery repository.
func NewDeliveries(db *DB, logger *zap.Logger) *Deliveries {
	return &Deliveries{db: db, logger: logger}
}

// RecordAttempt upserts the delivery row for (queue id, provider id),
// incrementing the attempt count and stamping last_attempt_at. The returned
// row reflects the post-increment state.
func (d *Deliveries) RecordAttempt(ctx context.Context, delivery *MessageDelivery) error {
	query := `
		INSERT INTO message_deliveries (
			id, queue_id, request_id, recipient_id, provider_id, channel,
			content, status, attempts, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW())
		ON CONFLICT (queue_id, provider_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = message_deliveries.attempts + 1,
			last_attempt_at = NOW()
		RETURNING id, attempts, last_attempt_at, created_at
	`

	err := d.db.Pool().QueryRow(ctx, query,
		delivery.ID,
		delivery.QueueID,
		delivery.RequestID,
		delivery.RecipientID,
		delivery.ProviderID,
		delivery.Channel,
		delivery.Content,
		DeliveryAttempted,
	).Scan(&delivery.ID, &delivery.Attempts, &delivery.LastAttemptAt, &delivery.CreatedAt)

	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	delivery.Status = DeliveryAttempted
	return nil
}

// MarkDelivered finalizes a delivery row as delivered with the provider's
// response and message id. Delivered is immutable: the update is conditional
// on the row not already being terminal.
func (d *Deliveries) MarkDelivered(ctx context.Context, id uuid.UUID, response, providerMessageID string) error {
	query := `
		UPDATE message_deliveries
		SET status = $1, delivered_at = NOW(), provider_response = $2,
			provider_message_id = $3
		WHERE id = $4 AND status NOT IN ($1, $5)
	`

	result, err := d.db.Pool().Exec(ctx, query,
		DeliveryDelivered, response, providerMessageID, id, DeliveryFailed)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s already terminal: %w", id, ErrStaleClaim)
	}
	return nil
}

// MarkFailed finalizes a delivery row as failed with the provider's response.
func (d *Deliveries) MarkFailed(ctx context.Context, id uuid.UUID, response string) error {
	query := `
		UPDATE message_deliveries
		SET status = $1, provider_response = $2
		WHERE id = $3 AND status NOT IN ($1, $4)
	`

	result, err := d.db.Pool().Exec(ctx, query, DeliveryFailed, response, id, DeliveryDelivered)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s already terminal: %w", id, ErrStaleClaim)
	}
	return nil
}

// ListByRequest returns the delivery trail for a request.
func (d *Deliveries) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*MessageDelivery, error) {
	query := deliverySelect + ` WHERE request_id = $1 ORDER BY created_at ASC`
	return d.list(ctx, query, requestID)
}

// ListByRecipient returns the delivery history of a recipient, newest first.
func (d *Deliveries) ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*MessageDelivery, error) {
	query := deliverySelect + ` WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return d.list(ctx, query, recipientID, limit, offset)
}

// ListRecentFailed returns failed deliveries attempted within the window
// whose queue rows have not exceeded the attempt ceiling, for the
// retry-failed maintenance sweep.
func (d *Deliveries) ListRecentFailed(ctx context.Context, window time.Duration, maxAttempts, limit int) ([]*MessageDelivery, error) {
	// Window start computed here rather than subtracting a duration
	// parameter from NOW(), which Postgres cannot resolve unambiguously.
	cutoff := time.Now().UTC().Add(-window)
	return d.list(ctx, listRecentFailedQuery, DeliveryFailed, cutoff, MessageFailed, maxAttempts, limit)
}

const listRecentFailedQuery = `
	SELECT d.id, d.queue_id, d.request_id, d.recipient_id, d.provider_id,
		d.channel, d.content, d.status, d.attempts, d.last_attempt_at,
		d.delivered_at, d.provider_response, d.provider_message_id, d.created_at
	FROM message_deliveries d
	JOIN queued_messages m ON m.id = d.queue_id
	WHERE d.status = $1 AND d.last_attempt_at > $2
		AND m.status = $3 AND m.attempt < $4
	ORDER BY d.last_attempt_at ASC
	LIMIT $5
`

const deliverySelect = `
	SELECT id, queue_id, request_id, recipient_id, provider_id, channel,
		content, status, attempts, last_attempt_at, delivered_at,
		provider_response, provider_message_id, created_at
	FROM message_deliveries`

func (d *Deliveries) list(ctx context.Context, query string, args ...any) ([]*MessageDelivery, error) {
	rows, err := d.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*MessageDelivery
	for rows.Next() {
		var dv MessageDelivery
		err := rows.Scan(
			&dv.ID,
			&dv.QueueID,
			&dv.RequestID,
			&dv.RecipientID,
			&dv.ProviderID,
			&dv.Channel,
			&dv.Content,
			&dv.Status,
			&dv.Attempts,
			&dv.LastAttemptAt,
			&dv.DeliveredAt,
			&dv.ProviderResponse,
			&dv.ProviderMessageID,
			&dv.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &dv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return deliveries, nil
}

// Get retrieves one delivery row.
func (d *Deliveries) Get(ctx context.Context, id uuid.UUID) (*MessageDelivery, error) {
	deliveries, err := d.list(ctx, deliverySelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return deliveries[0], nil
}
