package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Events is the append-only audit trail. Rows are only ever inserted,
// archived (moved to the cold table) past a cutoff, or purged.
type Events struct {
	db     *DB
	logger *zap.Logger
}

// NewEvents creates an event repository.
func NewEvents(db *DB, logger *zap.Logger) *Events {
	return &Events{db: db, logger: logger}
}

// Append inserts one event.
func (e *Events) Append(ctx context.Context, event *Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO event_log (entity_type, entity_id, event_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := e.db.Pool().QueryRow(ctx, query,
		event.EntityType,
		event.EntityID,
		event.EventType,
		event.Detail,
		event.OccurredAt,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListByEntity returns the event history of one entity, oldest first.
func (e *Events) ListByEntity(ctx context.Context, entityType, entityID string) ([]*Event, error) {
	query := `
		SELECT id, entity_type, entity_id, event_type, detail, occurred_at
		FROM event_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := e.db.Pool().Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.EventType, &ev.Detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Archive moves events older than the cutoff out of the hot table into
// event_log_archive in one transaction.
func (e *Events) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := e.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	moveQuery := `
		WITH moved AS (
			DELETE FROM event_log
			WHERE occurred_at < $1
			RETURNING entity_type, entity_id, event_type, detail, occurred_at
		)
		INSERT INTO event_log_archive (entity_type, entity_id, event_type, detail, occurred_at)
		SELECT entity_type, entity_id, event_type, detail, occurred_at FROM moved
	`

	result, err := tx.Exec(ctx, moveQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	archived := int(result.RowsAffected())
	if archived > 0 {
		e.logger.Info("events archived",
			zap.Int("archived", archived),
			zap.Time("cutoff", cutoff),
		)
	}
	return archived, nil
}

// Purge deletes archived events older than the cutoff.
func (e *Events) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := e.db.Pool().Exec(ctx,
		`DELETE FROM event_log_archive WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}

	purged := int(result.RowsAffected())
	if purged > 0 {
		e.logger.Info("events purged",
			zap.Int("purged", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}
