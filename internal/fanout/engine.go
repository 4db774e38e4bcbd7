// Package fanout expands notification requests into queued messages and
// drives the request state machine to its terminal status.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/dispatch"
	"github.com/agrofleet/herald/internal/metrics"
	"github.com/agrofleet/herald/internal/store"
)

// ErrValidation rejects a malformed submission before anything is enqueued.
var ErrValidation = errors.New("invalid request")

// ErrQueueExhausted marks a request whose fan-out messages all failed.
var ErrQueueExhausted = errors.New("all fanned-out messages failed")

// Recipient is the contact identity resolved for one recipient id.
type Recipient struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Email      string
	Phone      string
	PushTarget string
}

// RecipientResolver resolves direct recipients and group members into
// contact identities. External collaborator.
type RecipientResolver interface {
	Resolve(ctx context.Context, recipientIDs, groupIDs []uuid.UUID) ([]Recipient, error)
}

// RenderedTemplate is the resolved content of a template for one channel.
// Only templates with an active, approved version resolve successfully.
type RenderedTemplate struct {
	Subject string
	Body    string
}

// TemplateResolver renders a template's active approved content for a
// channel. External collaborator.
type TemplateResolver interface {
	Render(ctx context.Context, templateID uuid.UUID, channel string, payload json.RawMessage) (*RenderedTemplate, error)
}

// Requests is the request persistence surface the engine needs.
type Requests interface {
	Create(ctx context.Context, req *store.NotificationRequest) error
	Get(ctx context.Context, id uuid.UUID) (*store.NotificationRequest, error)
	Transition(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	ListPending(ctx context.Context, limit int) ([]*store.NotificationRequest, error)
	ListExpired(ctx context.Context, limit int) ([]*store.NotificationRequest, error)
}

// Queue is the queue surface the engine needs.
type Queue interface {
	Enqueue(ctx context.Context, msg *store.QueuedMessage) error
	CancelByRequest(ctx context.Context, requestID uuid.UUID) (int, error)
	CountOutstanding(ctx context.Context, requestID uuid.UUID) (outstanding, completed, failed int, err error)
}

// EventSink records audit events.
type EventSink interface {
	Record(ctx context.Context, entityType, entityID, eventType, detail string)
}

// Notifier delivers the final request status to the caller's callback
// target. Best effort.
type Notifier interface {
	NotifyFinal(ctx context.Context, req *store.NotificationRequest)
}

// Config holds engine settings.
type Config struct {
	FanoutInterval time.Duration
	SweepInterval  time.Duration
	BatchSize      int
}

func (c *Config) defaults() {
	if c.FanoutInterval == 0 {
		c.FanoutInterval = 1 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
}

// Engine owns the request lifecycle: submission, fan-out, completion
// aggregation, cancellation, and expiration.
type Engine struct {
	requests   Requests
	queue      Queue
	recipients RecipientResolver
	templates  TemplateResolver
	events     EventSink
	notifier   Notifier
	config     Config
	logger     *zap.Logger
	clock      func() time.Time
}

// New creates a fan-out engine. notifier may be nil when callbacks are
// disabled.
func New(requests Requests, queue Queue, recipients RecipientResolver, templates TemplateResolver, events EventSink, notifier Notifier, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		requests:   requests,
		queue:      queue,
		recipients: recipients,
		templates:  templates,
		events:     events,
		notifier:   notifier,
		config:     cfg,
		logger:     logger,
		clock:      time.Now,
	}
}

// SubmitInput is a validated submission.
type SubmitInput struct {
	ApplicationID uuid.UUID
	TemplateID    uuid.UUID
	Payload       json.RawMessage
	PriorityTier  string
	RecipientIDs  []uuid.UUID
	GroupIDs      []uuid.UUID
	Channels      []string
	ExpiresAt     *time.Time
	CallbackURL   *string
	Requester     *string
}

func validChannel(channel string) bool {
	switch channel {
	case store.ChannelEmail, store.ChannelSMS, store.ChannelPush:
		return true
	}
	return false
}

func validTier(tier string) bool {
	switch tier {
	case store.TierHigh, store.TierNormal, store.TierLow:
		return true
	}
	return false
}

// Submit validates and persists a request with status pending. Delivery is
// asynchronous: the caller polls or waits for the callback; no delivery
// confirmation is ever returned here.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*store.NotificationRequest, error) {
	if in.ApplicationID == uuid.Nil {
		return nil, fmt.Errorf("%w: application_id is required", ErrValidation)
	}
	if in.TemplateID == uuid.Nil {
		return nil, fmt.Errorf("%w: template_id is required", ErrValidation)
	}
	if len(in.RecipientIDs) == 0 && len(in.GroupIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient or group is required", ErrValidation)
	}
	if len(in.Channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	for _, channel := range in.Channels {
		if !validChannel(channel) {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
		}
	}
	if in.PriorityTier == "" {
		in.PriorityTier = store.TierNormal
	}
	if !validTier(in.PriorityTier) {
		return nil, fmt.Errorf("%w: unknown priority tier %q", ErrValidation, in.PriorityTier)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(e.clock()) {
		return nil, fmt.Errorf("%w: expires_at is in the past", ErrValidation)
	}

	req := &store.NotificationRequest{
		ID:            uuid.New(),
		ApplicationID: in.ApplicationID,
		TemplateID:    in.TemplateID,
		Payload:       in.Payload,
		PriorityTier:  in.PriorityTier,
		RecipientIDs:  in.RecipientIDs,
		GroupIDs:      in.GroupIDs,
		Channels:      in.Channels,
		ExpiresAt:     in.ExpiresAt,
		CallbackURL:   in.CallbackURL,
		Requester:     in.Requester,
	}

	if err := e.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	e.events.Record(ctx, store.EntityRequest, req.ID.String(), store.EventRequestCreated,
		fmt.Sprintf("tier=%s channels=%d", req.PriorityTier, len(req.Channels)))

	return req, nil
}

// FanOut expands one pending request into queued messages, one per
// (recipient, channel) pair, and moves it to processing. Recipients are
// de-duplicated by id across direct recipients and group members.
func (e *Engine) FanOut(ctx context.Context, requestID uuid.UUID) (int, error) {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}

	moved, err := e.requests.Transition(ctx, req.ID, store.RequestPending, store.RequestProcessing)
	if err != nil {
		return 0, fmt.Errorf("transition to processing: %w", err)
	}
	if !moved {
		// Another fan-out runner took it, or it was cancelled/expired.
		return 0, nil
	}

	recipients, err := e.recipients.Resolve(ctx, req.RecipientIDs, req.GroupIDs)
	if err != nil {
		e.fail(ctx, req, fmt.Sprintf("resolve recipients: %v", err))
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}

	// De-duplicate by recipient id: a recipient reached both directly and
	// through a group gets one message per channel.
	seen := make(map[uuid.UUID]bool, len(recipients))
	unique := make([]Recipient, 0, len(recipients))
	for _, rcpt := range recipients {
		if seen[rcpt.ID] {
			continue
		}
		seen[rcpt.ID] = true
		unique = append(unique, rcpt)
	}
	recipients = unique

	priority := store.PriorityForTier(req.PriorityTier)
	enqueued := 0

	for _, channel := range req.Channels {
		rendered, err := e.templates.Render(ctx, req.TemplateID, channel, req.Payload)
		if err != nil {
			e.logger.Warn("template resolution failed for channel",
				zap.String("request_id", req.ID.String()),
				zap.String("channel", channel),
				zap.Error(err),
			)
			continue
		}

		for _, rcpt := range recipients {
			content, err := composeContent(channel, rcpt, rendered)
			if err != nil {
				e.logger.Warn("content composition failed",
					zap.String("request_id", req.ID.String()),
					zap.String("recipient_id", rcpt.ID.String()),
					zap.String("channel", channel),
					zap.Error(err),
				)
				continue
			}

			msg := &store.QueuedMessage{
				RequestID:   req.ID,
				RecipientID: rcpt.ID,
				TenantID:    rcpt.TenantID,
				Channel:     channel,
				Content:     content,
				Priority:    priority,
			}
			if err := e.queue.Enqueue(ctx, msg); err != nil {
				e.logger.Error("enqueue failed",
					zap.String("request_id", req.ID.String()),
					zap.Error(err),
				)
				continue
			}
			enqueued++
			metrics.RecordEnqueued(channel, priority)
			e.events.Record(ctx, store.EntityMessage, strconv.FormatInt(msg.ID, 10),
				store.EventMessageEnqueued,
				fmt.Sprintf("request=%s recipient=%s channel=%s priority=%d", req.ID, rcpt.ID, channel, priority))
		}
	}

	e.events.Record(ctx, store.EntityRequest, req.ID.String(), store.EventRequestFanout,
		fmt.Sprintf("recipients=%d messages=%d", len(recipients), enqueued))

	if enqueued == 0 {
		e.fail(ctx, req, "fan-out produced no messages")
		return 0, nil
	}

	e.logger.Info("request fanned out",
		zap.String("request_id", req.ID.String()),
		zap.Int("recipients", len(seen)),
		zap.Int("messages", enqueued),
	)
	return enqueued, nil
}

// composeContent builds the channel-specific content envelope the senders
// consume. The rendered template is opaque text; only the recipient contact
// identity is added here.
func composeContent(channel string, rcpt Recipient, rendered *RenderedTemplate) ([]byte, error) {
	switch channel {
	case store.ChannelEmail:
		return json.Marshal(dispatch.EmailContent{
			To:      rcpt.Email,
			Subject: rendered.Subject,
			Body:    rendered.Body,
		})
	case store.ChannelSMS:
		return json.Marshal(dispatch.SMSContent{
			PhoneNumber: rcpt.Phone,
			Message:     rendered.Body,
		})
	case store.ChannelPush:
		return json.Marshal(dispatch.PushContent{
			TargetARN: rcpt.PushTarget,
			Title:     rendered.Subject,
			Body:      rendered.Body,
		})
	default:
		return nil, fmt.Errorf("unknown channel: %s", channel)
	}
}

// MessageFinalized aggregates the request outcome after one of its messages
// reached a terminal status: completed when at least one message delivered,
// failed when every message failed. Racing finalizers lose the conditional
// transition harmlessly.
func (e *Engine) MessageFinalized(ctx context.Context, requestID uuid.UUID) error {
	outstanding, completed, failed, err := e.queue.CountOutstanding(ctx, requestID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if store.RequestTerminal(req.Status) {
		return nil
	}

	// Any success counts: a single delivered message completes the request.
	target := store.RequestFailed
	eventType := store.EventRequestFailed
	detail := fmt.Sprintf("%v: failed=%d", ErrQueueExhausted, failed)
	if completed > 0 {
		target = store.RequestCompleted
		eventType = store.EventRequestCompleted
		detail = fmt.Sprintf("delivered=%d failed=%d", completed, failed)
	}

	moved, err := e.requests.Transition(ctx, requestID, store.RequestProcessing, target)
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	if !moved {
		return nil
	}

	e.events.Record(ctx, store.EntityRequest, requestID.String(), eventType, detail)
	metrics.RecordRequestFinalized(target)
	e.logger.Info("request finalized",
		zap.String("request_id", requestID.String()),
		zap.String("status", target),
		zap.Int("delivered", completed),
		zap.Int("failed", failed),
	)

	if e.notifier != nil {
		req.Status = target
		e.notifier.NotifyFinal(ctx, req)
	}
	return nil
}

// Cancel cancels a pending or processing request and its still-queued
// messages. Messages already claimed finish their current attempt.
func (e *Engine) Cancel(ctx context.Context, requestID uuid.UUID) error {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}

	if store.RequestTerminal(req.Status) {
		return fmt.Errorf("%w: request is already %s", ErrValidation, req.Status)
	}

	moved, err := e.requests.Transition(ctx, requestID, req.Status, store.RequestCancelled)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if !moved {
		return fmt.Errorf("%w: request is no longer %s", ErrValidation, req.Status)
	}

	cancelled, err := e.queue.CancelByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("cancel queued messages: %w", err)
	}

	e.events.Record(ctx, store.EntityRequest, requestID.String(), store.EventRequestCancelled,
		fmt.Sprintf("messages_cancelled=%d", cancelled))
	metrics.RecordRequestFinalized(store.RequestCancelled)
	e.logger.Info("request cancelled",
		zap.String("request_id", requestID.String()),
		zap.Int("messages_cancelled", cancelled),
	)
	return nil
}

func (e *Engine) fail(ctx context.Context, req *store.NotificationRequest, reason string) {
	moved, err := e.requests.Transition(ctx, req.ID, store.RequestProcessing, store.RequestFailed)
	if err != nil {
		e.logger.Error("failed to fail request",
			zap.String("request_id", req.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !moved {
		// Another path finalized the request first, nothing to record.
		return
	}
	e.events.Record(ctx, store.EntityRequest, req.ID.String(), store.EventRequestFailed, reason)
	metrics.RecordRequestFinalized(store.RequestFailed)
}

// SweepExpired expires pending/processing requests past their expiration and
// cancels their outstanding queued messages.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.requests.ListExpired(ctx, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired requests: %w", err)
	}

	swept := 0
	for _, req := range expired {
		moved, err := e.requests.Transition(ctx, req.ID, req.Status, store.RequestExpired)
		if err != nil {
			e.logger.Error("failed to expire request",
				zap.String("request_id", req.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !moved {
			continue
		}

		cancelled, err := e.queue.CancelByRequest(ctx, req.ID)
		if err != nil {
			e.logger.Error("failed to cancel messages of expired request",
				zap.String("request_id", req.ID.String()),
				zap.Error(err),
			)
		}

		e.events.Record(ctx, store.EntityRequest, req.ID.String(), store.EventRequestExpired,
			fmt.Sprintf("messages_cancelled=%d", cancelled))
		metrics.RecordRequestFinalized(store.RequestExpired)
		swept++
	}
	return swept, nil
}

// Start runs the fan-out and expiration loops until the context is
// cancelled.
func (e *Engine) Start(ctx context.Context) {
	fanoutTicker := time.NewTicker(e.config.FanoutInterval)
	defer fanoutTicker.Stop()
	sweepTicker := time.NewTicker(e.config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("fanout engine stopping")
			return
		case <-fanoutTicker.C:
			pending, err := e.requests.ListPending(ctx, e.config.BatchSize)
			if err != nil {
				e.logger.Error("failed to list pending requests", zap.Error(err))
				continue
			}
			for _, req := range pending {
				if _, err := e.FanOut(ctx, req.ID); err != nil {
					e.logger.Error("fan-out failed",
						zap.String("request_id", req.ID.String()),
						zap.Error(err),
					)
				}
			}
		case <-sweepTicker.C:
			if _, err := e.SweepExpired(ctx); err != nil {
				e.logger.Error("expiration sweep failed", zap.Error(err))
			}
		}
	}
}
