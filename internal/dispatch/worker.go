package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/metrics"
	"github.com/agrofleet/herald/internal/provider"
	"github.com/agrofleet/herald/internal/store"
)

// Queue is the claim/transition surface the workers need.
type Queue interface {
	Claim(ctx context.Context) (*store.QueuedMessage, bool, error)
	Requeue(ctx context.Context, id int64, nextAttemptAt time.Time, reason string) error
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string) error
	RescheduleStale(ctx context.Context, lease, backoff time.Duration, maxAttempts int) (int, error)
	Reopen(ctx context.Context, id int64, scheduledAt time.Time) error
}

// Deliveries records the delivery audit trail.
type Deliveries interface {
	RecordAttempt(ctx context.Context, delivery *store.MessageDelivery) error
	MarkDelivered(ctx context.Context, id uuid.UUID, response, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, response string) error
	ListRecentFailed(ctx context.Context, window time.Duration, maxAttempts, limit int) ([]*store.MessageDelivery, error)
}

// Registry resolves the ordered provider list for one send.
type Registry interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, channel string) ([]*store.ChannelProvider, error)
}

// Finalizer is notified whenever a message reaches a terminal status so
// request-level completion can be aggregated.
type Finalizer interface {
	MessageFinalized(ctx context.Context, requestID uuid.UUID) error
}

// EventSink records audit events. Best effort: a sink failure never fails a
// dispatch.
type EventSink interface {
	Record(ctx context.Context, entityType, entityID, eventType, detail string)
}

// Config holds worker pool settings.
type Config struct {
	Workers        int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	Lease          time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) defaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.Lease == 0 {
		c.Lease = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Minute
	}
}

// Backoff returns the retry delay after the given attempt number:
// base doubled per attempt, capped.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// Pool runs concurrent dispatch workers over the shared queue. Workers are
// independent: the only contended operation is the atomic claim, and no lock
// is held across a dispatch cycle.
type Pool struct {
	queue      Queue
	deliveries Deliveries
	registry   Registry
	sender     Sender
	finalizer  Finalizer
	events     EventSink
	config     Config
	logger     *zap.Logger
	clock      func() time.Time
}

// New creates a worker pool.
func New(queue Queue, deliveries Deliveries, registry Registry, sender Sender, finalizer Finalizer, events EventSink, cfg Config, logger *zap.Logger) *Pool {
	cfg.defaults()
	return &Pool{
		queue:      queue,
		deliveries: deliveries,
		registry:   registry,
		sender:     sender,
		finalizer:  finalizer,
		events:     events,
		config:     cfg,
		logger:     logger,
		clock:      time.Now,
	}
}

// Start runs the workers and the stale-claim sweeper until the context is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runStaleSweep(ctx)
	}()

	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		default:
		}

		msg, ok, err := p.queue.Claim(ctx)
		if err != nil {
			logger.Error("claim failed", zap.Error(err))
			p.sleep(ctx, p.config.PollInterval)
			continue
		}
		if !ok {
			// Nothing eligible; bounded wait, never an indefinite block.
			p.sleep(ctx, p.config.PollInterval)
			continue
		}

		metrics.RecordClaim(msg.Channel)
		p.events.Record(ctx, store.EntityMessage, strconv.FormatInt(msg.ID, 10),
			store.EventMessageClaimed, fmt.Sprintf("attempt %d", msg.Attempt))

		p.processMessage(ctx, logger, msg)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processMessage tries the resolved providers in order until one succeeds or
// the list is exhausted, records one delivery row per provider tried, and
// transitions the queue row.
func (p *Pool) processMessage(ctx context.Context, logger *zap.Logger, msg *store.QueuedMessage) {
	msgID := strconv.FormatInt(msg.ID, 10)

	providers, err := p.registry.Resolve(ctx, msg.TenantID, msg.Channel)
	if err != nil {
		if errors.Is(err, provider.ErrNoActiveProvider) {
			logger.Warn("no active provider, failing message",
				zap.Int64("queue_id", msg.ID),
				zap.String("channel", msg.Channel),
			)
			p.failMessage(ctx, msg, err.Error())
			return
		}
		// Registry lookup failed; release the claim for a later retry.
		p.requeueMessage(ctx, msg, fmt.Sprintf("resolve providers: %v", err))
		return
	}

	var lastErr error
	for i, prov := range providers {
		if i > 0 {
			metrics.RecordProviderFailover(msg.Channel)
			p.events.Record(ctx, store.EntityMessage, msgID, store.EventProviderSwitch,
				fmt.Sprintf("switching to provider %s after: %v", prov.ID, lastErr))
		}

		delivery := &store.MessageDelivery{
			ID:          uuid.New(),
			QueueID:     &msg.ID,
			RequestID:   msg.RequestID,
			RecipientID: msg.RecipientID,
			ProviderID:  prov.ID,
			Channel:     msg.Channel,
			Content:     msg.Content,
		}
		if err := p.deliveries.RecordAttempt(ctx, delivery); err != nil {
			logger.Error("failed to record delivery attempt", zap.Error(err))
		}
		p.events.Record(ctx, store.EntityDelivery, delivery.ID.String(),
			store.EventDeliveryAttempt,
			fmt.Sprintf("queue=%d provider=%s attempt=%d", msg.ID, prov.ID, delivery.Attempts))

		// A stalled provider must not hold the worker indefinitely.
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
		result, sendErr := p.sender.Send(attemptCtx, msg, prov)
		cancel()

		if sendErr == nil {
			p.completeMessage(ctx, logger, msg, delivery, prov, result)
			return
		}
		if IsTimeout(sendErr) {
			sendErr = Transient(prov.ID, fmt.Errorf("send timed out after %s: %w", p.config.AttemptTimeout, sendErr))
		}

		lastErr = sendErr
		if err := p.deliveries.MarkFailed(ctx, delivery.ID, sendErr.Error()); err != nil {
			logger.Error("failed to mark delivery failed", zap.Error(err))
		}
		p.events.Record(ctx, store.EntityDelivery, delivery.ID.String(),
			store.EventDeliveryFailure, sendErr.Error())
		metrics.RecordDelivery(msg.Channel, "failed")

		if IsTerminal(sendErr) {
			logger.Warn("terminal delivery failure",
				zap.Int64("queue_id", msg.ID),
				zap.String("provider_id", prov.ID.String()),
				zap.Error(sendErr),
			)
			p.failMessage(ctx, msg, sendErr.Error())
			return
		}

		logger.Warn("transient delivery failure",
			zap.Int64("queue_id", msg.ID),
			zap.String("provider_id", prov.ID.String()),
			zap.Int("attempt", msg.Attempt),
			zap.Error(sendErr),
		)
	}

	// Every provider failed transiently; retry under backoff or give up.
	reason := "all providers exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if msg.Attempt < p.config.MaxAttempts {
		p.requeueMessage(ctx, msg, reason)
		return
	}
	p.failMessage(ctx, msg, fmt.Sprintf("attempts exhausted (%d): %s", msg.Attempt, reason))
}

func (p *Pool) completeMessage(ctx context.Context, logger *zap.Logger, msg *store.QueuedMessage, delivery *store.MessageDelivery, prov *store.ChannelProvider, result *SendResult) {
	if err := p.deliveries.MarkDelivered(ctx, delivery.ID, result.Response, result.ProviderMessageID); err != nil {
		logger.Error("failed to mark delivery delivered", zap.Error(err))
	}
	p.events.Record(ctx, store.EntityDelivery, delivery.ID.String(),
		store.EventDeliverySuccess,
		fmt.Sprintf("provider=%s provider_message_id=%s", prov.ID, result.ProviderMessageID))

	if err := p.queue.Complete(ctx, msg.ID); err != nil {
		if errors.Is(err, store.ErrStaleClaim) {
			// Lost the claim to a stale reclaim; the reclaimed lineage owns
			// the queue row now.
			logger.Warn("completion lost to stale reclaim", zap.Int64("queue_id", msg.ID))
			return
		}
		logger.Error("failed to complete message", zap.Error(err))
		return
	}

	p.events.Record(ctx, store.EntityMessage, strconv.FormatInt(msg.ID, 10),
		store.EventMessageCompleted, "")
	metrics.RecordDelivery(msg.Channel, "delivered")
	metrics.RecordDeliveryLatency(msg.Channel, p.clock().Sub(msg.CreatedAt))

	logger.Info("message delivered",
		zap.Int64("queue_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("provider_id", prov.ID.String()),
		zap.Int("attempt", msg.Attempt),
	)

	p.finalize(ctx, logger, msg.RequestID)
}

func (p *Pool) requeueMessage(ctx context.Context, msg *store.QueuedMessage, reason string) {
	backoff := p.config.Backoff(msg.Attempt)
	next := p.clock().Add(backoff)
	if err := p.queue.Requeue(ctx, msg.ID, next, reason); err != nil {
		if !errors.Is(err, store.ErrStaleClaim) {
			p.logger.Error("failed to requeue message",
				zap.Int64("queue_id", msg.ID),
				zap.Error(err),
			)
		}
		return
	}
	metrics.RecordRetry(msg.Channel)
	p.events.Record(ctx, store.EntityMessage, strconv.FormatInt(msg.ID, 10),
		store.EventMessageRequeued,
		fmt.Sprintf("attempt=%d backoff=%s reason=%s", msg.Attempt, backoff, reason))
}

func (p *Pool) failMessage(ctx context.Context, msg *store.QueuedMessage, reason string) {
	if err := p.queue.Fail(ctx, msg.ID, reason); err != nil {
		if !errors.Is(err, store.ErrStaleClaim) {
			p.logger.Error("failed to fail message",
				zap.Int64("queue_id", msg.ID),
				zap.Error(err),
			)
		}
		return
	}
	p.events.Record(ctx, store.EntityMessage, strconv.FormatInt(msg.ID, 10),
		store.EventMessageFailed, reason)
	metrics.RecordDelivery(msg.Channel, "failed_terminal")
	p.finalize(ctx, p.logger, msg.RequestID)
}

func (p *Pool) finalize(ctx context.Context, logger *zap.Logger, requestID uuid.UUID) {
	if err := p.finalizer.MessageFinalized(ctx, requestID); err != nil {
		logger.Error("request finalization failed",
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
	}
}

// runStaleSweep periodically reclaims messages whose lease expired.
func (p *Pool) runStaleSweep(ctx context.Context) {
	interval := p.config.Lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.queue.RescheduleStale(ctx, p.config.Lease, p.config.BaseBackoff, p.config.MaxAttempts)
			if err != nil {
				p.logger.Error("stale sweep failed", zap.Error(err))
				continue
			}
			if reclaimed > 0 {
				metrics.RecordStaleReclaims(reclaimed)
			}
		}
	}
}

// RetryFailedDeliveries rescans deliveries that failed within the window and
// reopens their queue rows for another run, bounded by the attempt ceiling.
// Maintenance entry point, not part of the hot path.
func (p *Pool) RetryFailedDeliveries(ctx context.Context, window time.Duration, limit int) (int, error) {
	failed, err := p.deliveries.ListRecentFailed(ctx, window, p.config.MaxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list recent failed deliveries: %w", err)
	}

	reopened := 0
	seen := make(map[int64]bool)
	for _, delivery := range failed {
		if delivery.QueueID == nil || seen[*delivery.QueueID] {
			continue
		}
		seen[*delivery.QueueID] = true

		if err := p.queue.Reopen(ctx, *delivery.QueueID, p.clock()); err != nil {
			p.logger.Warn("failed to reopen message",
				zap.Int64("queue_id", *delivery.QueueID),
				zap.Error(err),
			)
			continue
		}
		p.events.Record(ctx, store.EntityMessage, strconv.FormatInt(*delivery.QueueID, 10),
			store.EventMessageRequeued, "reopened by retry-failed maintenance")
		reopened++
	}

	if reopened > 0 {
		p.logger.Info("failed deliveries reopened", zap.Int("reopened", reopened))
	}
	return reopened, nil
}
