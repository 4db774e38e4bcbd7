package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleClaim is returned when a status transition loses to a concurrent
// reclaim: the row exists but is no longer in the state the caller claimed.
// Internal condition; callers drop the outcome and let the reclaimed message
// run its own lineage.
var ErrStaleClaim = errors.New("stale claim")

// Queue is the durable priority queue of pending messages backed by
// Postgres. All mutation goes through its atomic operations; claim is a
// single conditional update so at most one worker ever owns a message.
type Queue struct {
	db     *DB
	logger *zap.Logger
}

// NewQueue creates a queue repository.
func NewQueue(db *DB, logger *zap.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Enqueue inserts a message with status queued. The id is assigned by the
// sequence, strictly increasing, and serves as the FIFO tie-breaker.
// ScheduledAt defaults to now when zero.
func (q *Queue) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = time.Now()
	}
	msg.Status = MessageQueued

	query := `
		INSERT INTO queued_messages (
			request_id, recipient_id, tenant_id, channel, content,
			priority, status, attempt, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := q.db.Pool().QueryRow(ctx, query,
		msg.RequestID,
		msg.RecipientID,
		msg.TenantID,
		msg.Channel,
		msg.Content,
		msg.Priority,
		msg.Status,
		msg.Attempt,
		msg.ScheduledAt,
	).Scan(&msg.ID, &msg.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert queued message: %w", err)
	}

	q.logger.Debug("message enqueued",
		zap.Int64("queue_id", msg.ID),
		zap.String("request_id", msg.RequestID.String()),
		zap.String("channel", msg.Channel),
		zap.Int("priority", msg.Priority),
	)

	return nil
}

// Claim atomically takes ownership of the single most urgent eligible
// message: queued, scheduled_at <= now, highest priority first, lowest id as
// tie-break. The claim increments the attempt counter and records the claim
// time. Returns ok=false when nothing is eligible; never blocks.
func (q *Queue) Claim(ctx context.Context) (*QueuedMessage, bool, error) {
	query := `
		UPDATE queued_messages SET
			status = $1,
			attempt = attempt + 1,
			claimed_at = NOW()
		WHERE id = (
			SELECT id FROM queued_messages
			WHERE status = $2 AND scheduled_at <= NOW()
			ORDER BY priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $2
		RETURNING id, request_id, recipient_id, tenant_id, channel, content,
			priority, status, attempt, last_error, scheduled_at, claimed_at,
			created_at, processed_at
	`

	var msg QueuedMessage
	err := q.db.Pool().QueryRow(ctx, query, MessageProcessing, MessageQueued).Scan(
		&msg.ID,
		&msg.RequestID,
		&msg.RecipientID,
		&msg.TenantID,
		&msg.Channel,
		&msg.Content,
		&msg.Priority,
		&msg.Status,
		&msg.Attempt,
		&msg.LastError,
		&msg.ScheduledAt,
		&msg.ClaimedAt,
		&msg.CreatedAt,
		&msg.ProcessedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim message: %w", err)
	}

	return &msg, true, nil
}

// Requeue returns a processing message to the queue for a later retry. The
// attempt counter is left as claimed; the next claim increments it again.
func (q *Queue) Requeue(ctx context.Context, id int64, nextAttemptAt time.Time, reason string) error {
	query := `
		UPDATE queued_messages
		SET status = $1, scheduled_at = $2, last_error = $3, claimed_at = NULL
		WHERE id = $4 AND status = $5
	`

	result, err := q.db.Pool().Exec(ctx, query, MessageQueued, nextAttemptAt, reason, id, MessageProcessing)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return q.staleOrMissing(ctx, id)
	}
	return nil
}

// Complete marks a processing message delivered.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.finish(ctx, id, MessageCompleted, nil)
}

// Fail marks a processing message terminally failed.
func (q *Queue) Fail(ctx context.Context, id int64, reason string) error {
	return q.finish(ctx, id, MessageFailed, &reason)
}

func (q *Queue) finish(ctx context.Context, id int64, status string, reason *string) error {
	query := `
		UPDATE queued_messages
		SET status = $1, last_error = COALESCE($2, last_error), processed_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := q.db.Pool().Exec(ctx, query, status, reason, id, MessageProcessing)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return q.staleOrMissing(ctx, id)
	}
	return nil
}

func (q *Queue) staleOrMissing(ctx context.Context, id int64) error {
	var status string
	err := q.db.Pool().QueryRow(ctx,
		`SELECT status FROM queued_messages WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check message status: %w", err)
	}
	return fmt.Errorf("queued message %d is %s: %w", id, status, ErrStaleClaim)
}

const requeueStaleQuery = `
	UPDATE queued_messages
	SET status = $1, scheduled_at = $2, claimed_at = NULL,
		last_error = 'claim lease expired'
	WHERE status = $3 AND claimed_at < $4 AND attempt < $5
`

const failStaleQuery = `
	UPDATE queued_messages
	SET status = $1, processed_at = NOW(), last_error = 'claim lease expired, attempts exhausted'
	WHERE status = $2 AND claimed_at < $3 AND attempt >= $4
`

// RescheduleStale returns messages held in processing past the lease back to
// the queue with a backoff, or fails them once at the attempt ceiling. The
// worker that held the lease is presumed dead; its later transition attempts
// fail with ErrStaleClaim.
func (q *Queue) RescheduleStale(ctx context.Context, lease, backoff time.Duration, maxAttempts int) (int, error) {
	// Absolute timestamps computed here; a bare duration parameter leaves
	// Postgres unable to pick between timestamptz-interval and
	// timestamptz-timestamptz subtraction.
	now := time.Now().UTC()
	cutoff := now.Add(-lease)

	result, err := q.db.Pool().Exec(ctx, requeueStaleQuery,
		MessageQueued, now.Add(backoff), MessageProcessing, cutoff, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reschedule stale messages: %w", err)
	}
	requeued := int(result.RowsAffected())

	result, err = q.db.Pool().Exec(ctx, failStaleQuery,
		MessageFailed, MessageProcessing, cutoff, maxAttempts)
	if err != nil {
		return requeued, fmt.Errorf("fail exhausted stale messages: %w", err)
	}

	if n := requeued + int(result.RowsAffected()); n > 0 {
		q.logger.Warn("stale messages rescheduled",
			zap.Int("requeued", requeued),
			zap.Int64("failed", result.RowsAffected()),
		)
		return n, nil
	}
	return 0, nil
}

// Reopen returns a terminally failed message to the queue. Used only by the
// retry-failed maintenance sweep; the normal retry path goes through Requeue.
func (q *Queue) Reopen(ctx context.Context, id int64, scheduledAt time.Time) error {
	query := `
		UPDATE queued_messages
		SET status = $1, scheduled_at = $2, processed_at = NULL, claimed_at = NULL
		WHERE id = $3 AND status = $4
	`

	result, err := q.db.Pool().Exec(ctx, query, MessageQueued, scheduledAt, id, MessageFailed)
	if err != nil {
		return fmt.Errorf("reopen message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return q.staleOrMissing(ctx, id)
	}
	return nil
}

// PromotePriority raises a message's priority while it is still queued.
// No-op once claimed.
func (q *Queue) PromotePriority(ctx context.Context, id int64, priority int) (bool, error) {
	query := `
		UPDATE queued_messages
		SET priority = $1
		WHERE id = $2 AND status = $3 AND priority < $1
	`

	result, err := q.db.Pool().Exec(ctx, query, priority, id, MessageQueued)
	if err != nil {
		return false, fmt.Errorf("promote priority: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CancelByRequest fails all still-queued messages of a request. Processing
// messages are untouched: a claimed message owns its outcome.
func (q *Queue) CancelByRequest(ctx context.Context, requestID uuid.UUID) (int, error) {
	query := `
		UPDATE queued_messages
		SET status = $1, processed_at = NOW(), last_error = 'request cancelled'
		WHERE request_id = $2 AND status = $3
	`

	result, err := q.db.Pool().Exec(ctx, query, MessageFailed, requestID, MessageQueued)
	if err != nil {
		return 0, fmt.Errorf("cancel queued messages: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Purge deletes terminal messages processed before the cutoff. Queued and
// processing rows are never touched regardless of age.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM queued_messages
		WHERE status IN ($1, $2) AND processed_at < $3
	`

	result, err := q.db.Pool().Exec(ctx, query, MessageCompleted, MessageFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	purged := int(result.RowsAffected())
	if purged > 0 {
		q.logger.Info("queue purged",
			zap.Int("deleted", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}

// GetMessage retrieves a single queued message by id.
func (q *Queue) GetMessage(ctx context.Context, id int64) (*QueuedMessage, error) {
	query := `
		SELECT id, request_id, recipient_id, tenant_id, channel, content,
			priority, status, attempt, last_error, scheduled_at, claimed_at,
			created_at, processed_at
		FROM queued_messages
		WHERE id = $1
	`

	var msg QueuedMessage
	err := q.db.Pool().QueryRow(ctx, query, id).Scan(
		&msg.ID,
		&msg.RequestID,
		&msg.RecipientID,
		&msg.TenantID,
		&msg.Channel,
		&msg.Content,
		&msg.Priority,
		&msg.Status,
		&msg.Attempt,
		&msg.LastError,
		&msg.ScheduledAt,
		&msg.ClaimedAt,
		&msg.CreatedAt,
		&msg.ProcessedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queued message: %w", err)
	}
	return &msg, nil
}

// ListByRequest returns every message fanned out from a request.
func (q *Queue) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*QueuedMessage, error) {
	query := `
		SELECT id, request_id, recipient_id, tenant_id, channel, content,
			priority, status, attempt, last_error, scheduled_at, claimed_at,
			created_at, processed_at
		FROM queued_messages
		WHERE request_id = $1
		ORDER BY id ASC
	`

	rows, err := q.db.Pool().Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query request messages: %w", err)
	}
	defer rows.Close()

	var messages []*QueuedMessage
	for rows.Next() {
		var msg QueuedMessage
		err := rows.Scan(
			&msg.ID,
			&msg.RequestID,
			&msg.RecipientID,
			&msg.TenantID,
			&msg.Channel,
			&msg.Content,
			&msg.Priority,
			&msg.Status,
			&msg.Attempt,
			&msg.LastError,
			&msg.ScheduledAt,
			&msg.ClaimedAt,
			&msg.CreatedAt,
			&msg.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return messages, nil
}

// CountOutstanding returns how many messages of a request have not reached a
// terminal status yet. Zero means the request is ready for aggregation.
func (q *Queue) CountOutstanding(ctx context.Context, requestID uuid.UUID) (outstanding, completed, failed int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($2, $3)),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status = $5)
		FROM queued_messages
		WHERE request_id = $1
	`

	err = q.db.Pool().QueryRow(ctx, query, requestID,
		MessageQueued, MessageProcessing, MessageCompleted, MessageFailed,
	).Scan(&outstanding, &completed, &failed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count request messages: %w", err)
	}
	return outstanding, completed, failed, nil
}

// Status aggregates live queue counts by status, channel, and priority from
// the authoritative rows.
func (q *Queue) Status(ctx context.Context) (*QueueStatus, error) {
	query := `
		SELECT status, channel, priority, COUNT(*)
		FROM queued_messages
		GROUP BY status, channel, priority
	`

	rows, err := q.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query queue status: %w", err)
	}
	defer rows.Close()

	status := &QueueStatus{
		ByStatus:   make(map[string]int),
		ByChannel:  make(map[string]int),
		ByPriority: make(map[int]int),
	}
	for rows.Next() {
		var s, channel string
		var priority, count int
		if err := rows.Scan(&s, &channel, &priority, &count); err != nil {
			return nil, fmt.Errorf("scan queue status: %w", err)
		}
		status.ByStatus[s] += count
		status.ByChannel[channel] += count
		status.ByPriority[priority] += count
		status.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return status, nil
}
