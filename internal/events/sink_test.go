package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

type fakeExporter struct {
	mu       sync.Mutex
	exported []*store.Event
	err      error
}

func (f *fakeExporter) Export(ctx context.Context, event *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.exported = append(f.exported, event)
	return nil
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, event *store.Event) error {
	return errors.New("disk full")
}
func (failingAppender) ListByEntity(ctx context.Context, entityType, entityID string) ([]*store.Event, error) {
	return nil, nil
}
func (failingAppender) Archive(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }
func (failingAppender) Purge(ctx context.Context, cutoff time.Time) (int, error)   { return 0, nil }

func TestRecordAppendsAndExports(t *testing.T) {
	mem := store.NewMemory()
	exporter := &fakeExporter{}
	sink := NewSink(mem.Events, exporter, zap.NewNop())

	sink.Record(context.Background(), store.EntityMessage, "42", store.EventMessageClaimed, "attempt 1")

	history, err := sink.History(context.Background(), store.EntityMessage, "42")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
	if history[0].EventType != store.EventMessageClaimed || history[0].Detail != "attempt 1" {
		t.Errorf("unexpected event: %+v", history[0])
	}

	if len(exporter.exported) != 1 {
		t.Fatalf("expected 1 exported event, got %d", len(exporter.exported))
	}
}

func TestRecordWithoutExporter(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(mem.Events, nil, zap.NewNop())

	sink.Record(context.Background(), store.EntityRequest, "r1", store.EventRequestCreated, "")

	history, err := sink.History(context.Background(), store.EntityRequest, "r1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected 1 event, got %d", len(history))
	}
}

func TestRecordSurvivesExportFailure(t *testing.T) {
	mem := store.NewMemory()
	exporter := &fakeExporter{err: errors.New("queue unreachable")}
	sink := NewSink(mem.Events, exporter, zap.NewNop())

	sink.Record(context.Background(), store.EntityMessage, "7", store.EventMessageEnqueued, "")

	// The local append still happened
	history, _ := sink.History(context.Background(), store.EntityMessage, "7")
	if len(history) != 1 {
		t.Errorf("export failure must not lose the local event, got %d", len(history))
	}
}

func TestRecordSurvivesAppendFailure(t *testing.T) {
	exporter := &fakeExporter{}
	sink := NewSink(failingAppender{}, exporter, zap.NewNop())

	// Must not panic or export an unpersisted event
	sink.Record(context.Background(), store.EntityMessage, "7", store.EventMessageEnqueued, "")
	if len(exporter.exported) != 0 {
		t.Error("an event that failed to persist must not be exported")
	}
}

func TestArchiveAndPurgeDelegate(t *testing.T) {
	mem := store.NewMemory()
	base := time.Now()
	mem.SetClock(func() time.Time { return base.Add(-48 * time.Hour) })

	sink := NewSink(mem.Events, nil, zap.NewNop())
	sink.Record(context.Background(), store.EntityRequest, "old", store.EventRequestCreated, "")

	mem.SetClock(func() time.Time { return base })
	sink.Record(context.Background(), store.EntityRequest, "fresh", store.EventRequestCreated, "")

	archived, err := sink.Archive(context.Background(), base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if archived != 1 {
		t.Errorf("expected 1 archived event, got %d", archived)
	}

	purged, err := sink.Purge(context.Background(), base)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged event, got %d", purged)
	}
}
