// Package events is the append-only audit trail for queue and delivery
// transitions, with archival, purge, and optional export to SQS.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// Appender is the persistence surface for audit events.
type Appender interface {
	Append(ctx context.Context, event *store.Event) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*store.Event, error)
	Archive(ctx context.Context, cutoff time.Time) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Exporter mirrors events to an external stream for downstream consumers.
type Exporter interface {
	Export(ctx context.Context, event *store.Event) error
}

// Sink records audit events. Recording is best effort: the audit trail never
// fails the dispatch that produced the event.
type Sink struct {
	appender Appender
	exporter Exporter // nil when export is disabled
	logger   *zap.Logger
}

// NewSink creates an event sink. exporter may be nil.
func NewSink(appender Appender, exporter Exporter, logger *zap.Logger) *Sink {
	return &Sink{
		appender: appender,
		exporter: exporter,
		logger:   logger,
	}
}

// Record appends one audit event and mirrors it to the exporter when one is
// configured.
func (s *Sink) Record(ctx context.Context, entityType, entityID, eventType, detail string) {
	event := &store.Event{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		Detail:     detail,
	}

	if err := s.appender.Append(ctx, event); err != nil {
		s.logger.Error("failed to append event",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return
	}

	if s.exporter != nil {
		if err := s.exporter.Export(ctx, event); err != nil {
			s.logger.Warn("failed to export event",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
}

// History returns the audit trail of one entity.
func (s *Sink) History(ctx context.Context, entityType, entityID string) ([]*store.Event, error) {
	return s.appender.ListByEntity(ctx, entityType, entityID)
}

// Archive moves events older than the cutoff to cold storage.
func (s *Sink) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	return s.appender.Archive(ctx, cutoff)
}

// Purge deletes archived events older than the cutoff.
func (s *Sink) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return s.appender.Purge(ctx, cutoff)
}
