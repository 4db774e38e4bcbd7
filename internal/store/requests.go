package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Requests persists notification requests and enforces the monotonic status
// machine: pending -> processing -> {completed, failed, cancelled}, with
// expiration allowed from pending and processing. Terminal rows are immutable
// because every transition is a conditional update on the source status.
type Requests struct {
	db     *DB
	logger *zap.Logger
}

// NewRequests creates a request repository.
func NewRequests(db *DB, logger *zap.Logger) *Requests {
	return &Requests{db: db, logger: logger}
}

// Create inserts a request with status pending.
func (r *Requests) Create(ctx context.Context, req *NotificationRequest) error {
	req.Status = RequestPending

	query := `
		INSERT INTO notification_requests (
			id, application_id, template_id, payload, priority_tier,
			recipient_ids, group_ids, channels, status, callback_url,
			requester, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		req.ID,
		req.ApplicationID,
		req.TemplateID,
		req.Payload,
		req.PriorityTier,
		req.RecipientIDs,
		req.GroupIDs,
		req.Channels,
		req.Status,
		req.CallbackURL,
		req.Requester,
		req.ExpiresAt,
	).Scan(&req.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	r.logger.Info("request created",
		zap.String("request_id", req.ID.String()),
		zap.String("application_id", req.ApplicationID.String()),
		zap.String("priority_tier", req.PriorityTier),
	)

	return nil
}

// Get retrieves a request by id.
func (r *Requests) Get(ctx context.Context, id uuid.UUID) (*NotificationRequest, error) {
	query := `
		SELECT id, application_id, template_id, payload, priority_tier,
			recipient_ids, group_ids, channels, status, callback_url,
			requester, created_at, processed_at, expires_at
		FROM notification_requests
		WHERE id = $1
	`

	var req NotificationRequest
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.ApplicationID,
		&req.TemplateID,
		&req.Payload,
		&req.PriorityTier,
		&req.RecipientIDs,
		&req.GroupIDs,
		&req.Channels,
		&req.Status,
		&req.CallbackURL,
		&req.Requester,
		&req.CreatedAt,
		&req.ProcessedAt,
		&req.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return &req, nil
}

// Transition moves a request from one status to another. Returns false when
// the request was not in the expected source status, which is how concurrent
// finalizers lose races harmlessly.
func (r *Requests) Transition(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	query := `
		UPDATE notification_requests
		SET status = $1,
			processed_at = CASE WHEN $1 IN ($4, $5, $6, $7) THEN NOW() ELSE processed_at END
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from,
		RequestCompleted, RequestFailed, RequestCancelled, RequestExpired)
	if err != nil {
		return false, fmt.Errorf("transition request: %w", err)
	}

	moved := result.RowsAffected() > 0
	if moved {
		r.logger.Info("request transitioned",
			zap.String("request_id", id.String()),
			zap.String("from", from),
			zap.String("to", to),
		)
	}
	return moved, nil
}

// ListPending returns requests awaiting fan-out, oldest first.
func (r *Requests) ListPending(ctx context.Context, limit int) ([]*NotificationRequest, error) {
	query := `
		SELECT id, application_id, template_id, payload, priority_tier,
			recipient_ids, group_ids, channels, status, callback_url,
			requester, created_at, processed_at, expires_at
		FROM notification_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, RequestPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*NotificationRequest
	for rows.Next() {
		var req NotificationRequest
		err := rows.Scan(
			&req.ID,
			&req.ApplicationID,
			&req.TemplateID,
			&req.Payload,
			&req.PriorityTier,
			&req.RecipientIDs,
			&req.GroupIDs,
			&req.Channels,
			&req.Status,
			&req.CallbackURL,
			&req.Requester,
			&req.CreatedAt,
			&req.ProcessedAt,
			&req.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return requests, nil
}

// ListExpired returns pending or processing requests whose expiration has
// elapsed, for the expiration sweep.
func (r *Requests) ListExpired(ctx context.Context, limit int) ([]*NotificationRequest, error) {
	query := `
		SELECT id, application_id, template_id, payload, priority_tier,
			recipient_ids, group_ids, channels, status, callback_url,
			requester, created_at, processed_at, expires_at
		FROM notification_requests
		WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at <= NOW()
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, RequestPending, RequestProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired requests: %w", err)
	}
	defer rows.Close()

	var requests []*NotificationRequest
	for rows.Next() {
		var req NotificationRequest
		err := rows.Scan(
			&req.ID,
			&req.ApplicationID,
			&req.TemplateID,
			&req.Payload,
			&req.PriorityTier,
			&req.RecipientIDs,
			&req.GroupIDs,
			&req.Channels,
			&req.Status,
			&req.CallbackURL,
			&req.Requester,
			&req.CreatedAt,
			&req.ProcessedAt,
			&req.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return requests, nil
}
