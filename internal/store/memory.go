package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of the store with the same atomic
// semantics as the Postgres repositories. It backs package tests and the
// dev-mode dispatcher; all sub-stores share one mutex so cross-entity
// operations stay consistent.
type Memory struct {
	Queue      *MemoryQueue
	Requests   *MemoryRequests
	Providers  *MemoryProviders
	Deliveries *MemoryDeliveries
	Events     *MemoryEvents
}

type memState struct {
	mu sync.Mutex

	nextQueueID int64
	messages    map[int64]*QueuedMessage
	requests    map[uuid.UUID]*NotificationRequest
	providers   map[uuid.UUID]*ChannelProvider
	deliveries  map[uuid.UUID]*MessageDelivery
	nextEventID int64
	events      []*Event
	archived    []*Event

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	s := &memState{
		messages:   make(map[int64]*QueuedMessage),
		requests:   make(map[uuid.UUID]*NotificationRequest),
		providers:  make(map[uuid.UUID]*ChannelProvider),
		deliveries: make(map[uuid.UUID]*MessageDelivery),
		now:        time.Now,
	}
	return &Memory{
		Queue:      &MemoryQueue{s: s},
		Requests:   &MemoryRequests{s: s},
		Providers:  &MemoryProviders{s: s},
		Deliveries: &MemoryDeliveries{s: s},
		Events:     &MemoryEvents{s: s},
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.Queue.s.mu.Lock()
	defer m.Queue.s.mu.Unlock()
	m.Queue.s.now = now
}

// MemoryQueue implements the queue operations.
type MemoryQueue struct {
	s *memState
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	q.s.nextQueueID++
	msg.ID = q.s.nextQueueID
	msg.Status = MessageQueued
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = q.s.now()
	}
	msg.CreatedAt = q.s.now()

	clone := *msg
	q.s.messages[msg.ID] = &clone
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*QueuedMessage, bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	now := q.s.now()
	var best *QueuedMessage
	for _, msg := range q.s.messages {
		if msg.Status != MessageQueued || msg.ScheduledAt.After(now) {
			continue
		}
		if best == nil || msg.Priority > best.Priority ||
			(msg.Priority == best.Priority && msg.ID < best.ID) {
			best = msg
		}
	}
	if best == nil {
		return nil, false, nil
	}

	best.Status = MessageProcessing
	best.Attempt++
	claimed := now
	best.ClaimedAt = &claimed

	clone := *best
	return &clone, true, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id int64, nextAttemptAt time.Time, reason string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	msg, ok := q.s.messages[id]
	if !ok {
		return fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if msg.Status != MessageProcessing {
		return fmt.Errorf("queued message %d is %s: %w", id, msg.Status, ErrStaleClaim)
	}

	msg.Status = MessageQueued
	msg.ScheduledAt = nextAttemptAt
	msg.LastError = &reason
	msg.ClaimedAt = nil
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id int64) error {
	return q.finish(ctx, id, MessageCompleted, nil)
}

func (q *MemoryQueue) Fail(ctx context.Context, id int64, reason string) error {
	return q.finish(ctx, id, MessageFailed, &reason)
}

func (q *MemoryQueue) finish(_ context.Context, id int64, status string, reason *string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	msg, ok := q.s.messages[id]
	if !ok {
		return fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if msg.Status != MessageProcessing {
		return fmt.Errorf("queued message %d is %s: %w", id, msg.Status, ErrStaleClaim)
	}

	msg.Status = status
	if reason != nil {
		msg.LastError = reason
	}
	processed := q.s.now()
	msg.ProcessedAt = &processed
	return nil
}

func (q *MemoryQueue) RescheduleStale(ctx context.Context, lease, backoff time.Duration, maxAttempts int) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	now := q.s.now()
	touched := 0
	for _, msg := range q.s.messages {
		if msg.Status != MessageProcessing || msg.ClaimedAt == nil {
			continue
		}
		if now.Sub(*msg.ClaimedAt) < lease {
			continue
		}
		touched++
		if msg.Attempt >= maxAttempts {
			reason := "claim lease expired, attempts exhausted"
			msg.Status = MessageFailed
			msg.LastError = &reason
			processed := now
			msg.ProcessedAt = &processed
			continue
		}
		reason := "claim lease expired"
		msg.Status = MessageQueued
		msg.ScheduledAt = now.Add(backoff)
		msg.LastError = &reason
		msg.ClaimedAt = nil
	}
	return touched, nil
}

func (q *MemoryQueue) Reopen(ctx context.Context, id int64, scheduledAt time.Time) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	msg, ok := q.s.messages[id]
	if !ok {
		return fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if msg.Status != MessageFailed {
		return fmt.Errorf("queued message %d is %s: %w", id, msg.Status, ErrStaleClaim)
	}
	msg.Status = MessageQueued
	msg.ScheduledAt = scheduledAt
	msg.ProcessedAt = nil
	msg.ClaimedAt = nil
	return nil
}

func (q *MemoryQueue) PromotePriority(ctx context.Context, id int64, priority int) (bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	msg, ok := q.s.messages[id]
	if !ok {
		return false, fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	if msg.Status != MessageQueued || msg.Priority >= priority {
		return false, nil
	}
	msg.Priority = priority
	return true, nil
}

func (q *MemoryQueue) CancelByRequest(ctx context.Context, requestID uuid.UUID) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	cancelled := 0
	for _, msg := range q.s.messages {
		if msg.RequestID != requestID || msg.Status != MessageQueued {
			continue
		}
		reason := "request cancelled"
		msg.Status = MessageFailed
		msg.LastError = &reason
		processed := q.s.now()
		msg.ProcessedAt = &processed
		cancelled++
	}
	return cancelled, nil
}

func (q *MemoryQueue) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	purged := 0
	for id, msg := range q.s.messages {
		if msg.Status != MessageCompleted && msg.Status != MessageFailed {
			continue
		}
		if msg.ProcessedAt == nil || !msg.ProcessedAt.Before(cutoff) {
			continue
		}
		delete(q.s.messages, id)
		purged++
	}
	return purged, nil
}

func (q *MemoryQueue) GetMessage(ctx context.Context, id int64) (*QueuedMessage, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	msg, ok := q.s.messages[id]
	if !ok {
		return nil, fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	clone := *msg
	return &clone, nil
}

func (q *MemoryQueue) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*QueuedMessage, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	var messages []*QueuedMessage
	for _, msg := range q.s.messages {
		if msg.RequestID == requestID {
			clone := *msg
			messages = append(messages, &clone)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

func (q *MemoryQueue) CountOutstanding(ctx context.Context, requestID uuid.UUID) (outstanding, completed, failed int, err error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	for _, msg := range q.s.messages {
		if msg.RequestID != requestID {
			continue
		}
		switch msg.Status {
		case MessageCompleted:
			completed++
		case MessageFailed:
			failed++
		default:
			outstanding++
		}
	}
	return outstanding, completed, failed, nil
}

func (q *MemoryQueue) Status(ctx context.Context) (*QueueStatus, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	status := &QueueStatus{
		ByStatus:   make(map[string]int),
		ByChannel:  make(map[string]int),
		ByPriority: make(map[int]int),
	}
	for _, msg := range q.s.messages {
		status.ByStatus[msg.Status]++
		status.ByChannel[msg.Channel]++
		status.ByPriority[msg.Priority]++
		status.Total++
	}
	return status, nil
}

// MemoryRequests implements the request operations.
type MemoryRequests struct {
	s *memState
}

func (r *MemoryRequests) Create(ctx context.Context, req *NotificationRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	req.Status = RequestPending
	req.CreatedAt = r.s.now()
	clone := *req
	r.s.requests[req.ID] = &clone
	return nil
}

func (r *MemoryRequests) Get(ctx context.Context, id uuid.UUID) (*NotificationRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	req, ok := r.s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	clone := *req
	return &clone, nil
}

func (r *MemoryRequests) Transition(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	req, ok := r.s.requests[id]
	if !ok {
		return false, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	if RequestTerminal(to) {
		processed := r.s.now()
		req.ProcessedAt = &processed
	}
	return true, nil
}

func (r *MemoryRequests) ListPending(ctx context.Context, limit int) ([]*NotificationRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []*NotificationRequest
	for _, req := range r.s.requests {
		if req.Status == RequestPending {
			clone := *req
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *MemoryRequests) ListExpired(ctx context.Context, limit int) ([]*NotificationRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var expired []*NotificationRequest
	for _, req := range r.s.requests {
		if req.Status != RequestPending && req.Status != RequestProcessing {
			continue
		}
		if req.ExpiresAt == nil || req.ExpiresAt.After(now) {
			continue
		}
		clone := *req
		expired = append(expired, &clone)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// MemoryProviders implements the provider operations.
type MemoryProviders struct {
	s *memState
}

func (p *MemoryProviders) Create(ctx context.Context, provider *ChannelProvider) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	provider.CreatedAt = p.s.now()
	provider.UpdatedAt = provider.CreatedAt
	if provider.IsDefault {
		for _, other := range p.s.providers {
			if other.TenantID == provider.TenantID && other.Channel == provider.Channel {
				other.IsDefault = false
			}
		}
	}
	clone := *provider
	p.s.providers[provider.ID] = &clone
	return nil
}

func (p *MemoryProviders) Get(ctx context.Context, id uuid.UUID) (*ChannelProvider, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	provider, ok := p.s.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	clone := *provider
	return &clone, nil
}

func (p *MemoryProviders) ListActive(ctx context.Context, tenantID uuid.UUID, channel string) ([]*ChannelProvider, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var providers []*ChannelProvider
	for _, provider := range p.s.providers {
		if provider.TenantID == tenantID && provider.Channel == channel && provider.IsActive {
			clone := *provider
			providers = append(providers, &clone)
		}
	}
	sortProviders(providers)
	return providers, nil
}

func (p *MemoryProviders) ListByTenant(ctx context.Context, tenantID uuid.UUID, channel string) ([]*ChannelProvider, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var providers []*ChannelProvider
	for _, provider := range p.s.providers {
		if provider.TenantID != tenantID {
			continue
		}
		if channel != "" && provider.Channel != channel {
			continue
		}
		clone := *provider
		providers = append(providers, &clone)
	}
	sort.Slice(providers, func(i, j int) bool {
		if providers[i].Channel != providers[j].Channel {
			return providers[i].Channel < providers[j].Channel
		}
		return lessProvider(providers[i], providers[j])
	})
	return providers, nil
}

func sortProviders(providers []*ChannelProvider) {
	sort.Slice(providers, func(i, j int) bool { return lessProvider(providers[i], providers[j]) })
}

func lessProvider(a, b *ChannelProvider) bool {
	if a.IsDefault != b.IsDefault {
		return a.IsDefault
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

func (p *MemoryProviders) SetDefault(ctx context.Context, id uuid.UUID) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	provider, ok := p.s.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	for _, other := range p.s.providers {
		if other.TenantID == provider.TenantID && other.Channel == provider.Channel {
			other.IsDefault = other.ID == id
			other.UpdatedAt = p.s.now()
		}
	}
	return nil
}

func (p *MemoryProviders) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	provider, ok := p.s.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	provider.IsActive = active
	provider.UpdatedAt = p.s.now()
	return nil
}

// MemoryDeliveries implements the delivery operations.
type MemoryDeliveries struct {
	s *memState
}

func (d *MemoryDeliveries) RecordAttempt(ctx context.Context, delivery *MessageDelivery) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	now := d.s.now()
	for _, existing := range d.s.deliveries {
		if existing.QueueID != nil && delivery.QueueID != nil &&
			*existing.QueueID == *delivery.QueueID &&
			existing.ProviderID == delivery.ProviderID {
			existing.Attempts++
			existing.Status = DeliveryAttempted
			existing.LastAttemptAt = &now
			*delivery = *existing
			return nil
		}
	}

	delivery.Status = DeliveryAttempted
	delivery.Attempts = 1
	delivery.LastAttemptAt = &now
	delivery.CreatedAt = now
	clone := *delivery
	d.s.deliveries[delivery.ID] = &clone
	return nil
}

func (d *MemoryDeliveries) MarkDelivered(ctx context.Context, id uuid.UUID, response, providerMessageID string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	delivery, ok := d.s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if delivery.Status == DeliveryDelivered || delivery.Status == DeliveryFailed {
		return fmt.Errorf("delivery %s already terminal: %w", id, ErrStaleClaim)
	}
	now := d.s.now()
	delivery.Status = DeliveryDelivered
	delivery.DeliveredAt = &now
	delivery.ProviderResponse = &response
	delivery.ProviderMessageID = &providerMessageID
	return nil
}

func (d *MemoryDeliveries) MarkFailed(ctx context.Context, id uuid.UUID, response string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	delivery, ok := d.s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if delivery.Status == DeliveryDelivered || delivery.Status == DeliveryFailed {
		return fmt.Errorf("delivery %s already terminal: %w", id, ErrStaleClaim)
	}
	delivery.Status = DeliveryFailed
	delivery.ProviderResponse = &response
	return nil
}

func (d *MemoryDeliveries) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*MessageDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var deliveries []*MessageDelivery
	for _, delivery := range d.s.deliveries {
		if delivery.RequestID == requestID {
			clone := *delivery
			deliveries = append(deliveries, &clone)
		}
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.Before(deliveries[j].CreatedAt)
	})
	return deliveries, nil
}

func (d *MemoryDeliveries) ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*MessageDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var deliveries []*MessageDelivery
	for _, delivery := range d.s.deliveries {
		if delivery.RecipientID == recipientID {
			clone := *delivery
			deliveries = append(deliveries, &clone)
		}
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt)
	})
	if offset >= len(deliveries) {
		return nil, nil
	}
	deliveries = deliveries[offset:]
	if limit > 0 && len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}

func (d *MemoryDeliveries) ListRecentFailed(ctx context.Context, window time.Duration, maxAttempts, limit int) ([]*MessageDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	cutoff := d.s.now().Add(-window)
	var deliveries []*MessageDelivery
	for _, delivery := range d.s.deliveries {
		if delivery.Status != DeliveryFailed || delivery.LastAttemptAt == nil ||
			delivery.LastAttemptAt.Before(cutoff) || delivery.QueueID == nil {
			continue
		}
		msg, ok := d.s.messages[*delivery.QueueID]
		if !ok || msg.Status != MessageFailed || msg.Attempt >= maxAttempts {
			continue
		}
		clone := *delivery
		deliveries = append(deliveries, &clone)
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].LastAttemptAt.Before(*deliveries[j].LastAttemptAt)
	})
	if limit > 0 && len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}

func (d *MemoryDeliveries) Get(ctx context.Context, id uuid.UUID) (*MessageDelivery, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	delivery, ok := d.s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	clone := *delivery
	return &clone, nil
}

// MemoryEvents implements the event log operations.
type MemoryEvents struct {
	s *memState
}

func (e *MemoryEvents) Append(ctx context.Context, event *Event) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	e.s.nextEventID++
	event.ID = e.s.nextEventID
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.s.now()
	}
	clone := *event
	e.s.events = append(e.s.events, &clone)
	return nil
}

func (e *MemoryEvents) ListByEntity(ctx context.Context, entityType, entityID string) ([]*Event, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	var events []*Event
	for _, ev := range e.s.events {
		if ev.EntityType == entityType && ev.EntityID == entityID {
			clone := *ev
			events = append(events, &clone)
		}
	}
	return events, nil
}

func (e *MemoryEvents) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	var hot []*Event
	archived := 0
	for _, ev := range e.s.events {
		if ev.OccurredAt.Before(cutoff) {
			e.s.archived = append(e.s.archived, ev)
			archived++
			continue
		}
		hot = append(hot, ev)
	}
	e.s.events = hot
	return archived, nil
}

func (e *MemoryEvents) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	var keep []*Event
	purged := 0
	for _, ev := range e.s.archived {
		if ev.OccurredAt.Before(cutoff) {
			purged++
			continue
		}
		keep = append(keep, ev)
	}
	e.s.archived = keep
	return purged, nil
}
