package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/fanout"
	"github.com/agrofleet/herald/internal/metrics"
	"github.com/agrofleet/herald/internal/redis"
	"github.com/agrofleet/herald/internal/store"
)

// Dispatcher is the request lifecycle surface exposed over HTTP.
type Dispatcher interface {
	Submit(ctx context.Context, in fanout.SubmitInput) (*store.NotificationRequest, error)
	Cancel(ctx context.Context, requestID uuid.UUID) error
}

// RequestStore reads notification requests.
type RequestStore interface {
	Get(ctx context.Context, id uuid.UUID) (*store.NotificationRequest, error)
}

// QueueStore is the queue surface used by the status, promote, and
// maintenance endpoints.
type QueueStore interface {
	Status(ctx context.Context) (*store.QueueStatus, error)
	GetMessage(ctx context.Context, id int64) (*store.QueuedMessage, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*store.QueuedMessage, error)
	PromotePriority(ctx context.Context, id int64, priority int) (bool, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// DeliveryStore reads the delivery audit trail.
type DeliveryStore interface {
	Get(ctx context.Context, id uuid.UUID) (*store.MessageDelivery, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*store.MessageDelivery, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*store.MessageDelivery, error)
}

// ProviderAdmin manages channel provider configuration.
type ProviderAdmin interface {
	Create(ctx context.Context, provider *store.ChannelProvider) error
	Get(ctx context.Context, id uuid.UUID) (*store.ChannelProvider, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, channel string) ([]*store.ChannelProvider, error)
	SetDefault(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// EventLog is the audit trail surface: per-entity history plus the archive
// and purge maintenance windows.
type EventLog interface {
	History(ctx context.Context, entityType, entityID string) ([]*store.Event, error)
	Archive(ctx context.Context, cutoff time.Time) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Retrier re-opens recently failed messages for another round of attempts.
type Retrier interface {
	RetryFailedDeliveries(ctx context.Context, window time.Duration, limit int) (int, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubmitRequest is the incoming submission body.
type SubmitRequest struct {
	ApplicationID string          `json:"application_id"`
	TemplateID    string          `json:"template_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PriorityTier  string          `json:"priority_tier,omitempty"`
	RecipientIDs  []string        `json:"recipient_ids,omitempty"`
	GroupIDs      []string        `json:"group_ids,omitempty"`
	Channels      []string        `json:"channels"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	CallbackURL   *string         `json:"callback_url,omitempty"`
	Requester     *string         `json:"requester,omitempty"`
}

// SubmitResponse is returned after accepting a submission.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	requests    RequestStore
	queue       QueueStore
	deliveries  DeliveryStore
	providers   ProviderAdmin
	events      EventLog
	retrier     Retrier
	idempotency *redis.IdempotencyService // nil if Redis not configured
	health      []Pinger
}

// NewHandler creates a new API handler.
func NewHandler(
	logger *zap.Logger,
	dispatcher Dispatcher,
	requests RequestStore,
	queue QueueStore,
	deliveries DeliveryStore,
	providers ProviderAdmin,
	events EventLog,
	retrier Retrier,
) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		requests:   requests,
		queue:      queue,
		deliveries: deliveries,
		providers:  providers,
		events:     events,
		retrier:    retrier,
	}
}

// WithIdempotency enables submission idempotency via the Idempotency-Key
// header.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithHealthChecks registers backends probed by the health endpoint.
func (h *Handler) WithHealthChecks(pingers ...Pinger) *Handler {
	h.health = append(h.health, pingers...)
	return h
}

// SubmitRequest handles POST /v1/requests.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	appID, err := uuid.Parse(req.ApplicationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid application_id", "application_id must be a valid UUID")
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_id", "template_id must be a valid UUID")
		return
	}

	recipientIDs, err := parseUUIDs(req.RecipientIDs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_ids", err.Error())
		return
	}

	groupIDs, err := parseUUIDs(req.GroupIDs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid group_ids", err.Error())
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.ApplicationID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			resp := SubmitResponse{ID: cached.RequestID, Status: store.RequestPending}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	created, err := h.dispatcher.Submit(ctx, fanout.SubmitInput{
		ApplicationID: appID,
		TemplateID:    templateID,
		Payload:       req.Payload,
		PriorityTier:  req.PriorityTier,
		RecipientIDs:  recipientIDs,
		GroupIDs:      groupIDs,
		Channels:      req.Channels,
		ExpiresAt:     req.ExpiresAt,
		CallbackURL:   req.CallbackURL,
		Requester:     req.Requester,
	})
	if err != nil {
		if errors.Is(err, fanout.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid submission", err.Error())
			return
		}
		h.logger.Error("failed to submit request",
			zap.Error(err),
			zap.String("application_id", req.ApplicationID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to submit request", "")
		return
	}

	h.logger.Info("request submitted",
		zap.String("id", created.ID.String()),
		zap.String("application_id", req.ApplicationID),
		zap.Strings("channels", req.Channels),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		ttl := redis.IdempotencyTTLExact
		result := &redis.IdempotencyResult{
			RequestID:  created.ID.String(),
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, req.ApplicationID, idempotencyKey, result, ttl); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitResponse{ID: created.ID.String(), Status: created.Status})
}

// GetRequest handles GET /v1/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Request not found", "")
			return
		}
		h.logger.Error("failed to get request", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get request", "")
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// ListRequestMessages handles GET /v1/requests/{id}/messages.
func (h *Handler) ListRequestMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	messages, err := h.queue.ListByRequest(ctx, id)
	if err != nil {
		h.logger.Error("failed to list request messages", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  messages,
		"count": len(messages),
	})
}

// GetRequestEvents handles GET /v1/requests/{id}/events.
func (h *Handler) GetRequestEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.events.History(ctx, store.EntityRequest, id.String())
	if err != nil {
		h.logger.Error("failed to list request events", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list events", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  events,
		"count": len(events),
	})
}

// CancelRequest handles POST /v1/requests/{id}/cancel.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Request not found", "")
			return
		}
		if errors.Is(err, fanout.ErrValidation) {
			h.writeError(w, http.StatusConflict, "invalid_state", "Request cannot be cancelled", err.Error())
			return
		}
		h.logger.Error("failed to cancel request", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel request", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": store.RequestCancelled,
	})
}

// QueueStatus handles GET /v1/queue/status.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to aggregate queue status", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to aggregate queue status", "")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// PromoteMessage handles POST /v1/queue/messages/{id}/promote.
// Raises the priority of a still-queued message; claimed or finished
// messages are left alone.
func (h *Handler) PromoteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be an integer")
		return
	}

	var req struct {
		PriorityTier string `json:"priority_tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.PriorityTier != store.TierHigh && req.PriorityTier != store.TierNormal && req.PriorityTier != store.TierLow {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority tier",
			"priority_tier must be one of: high, normal, low")
		return
	}

	promoted, err := h.queue.PromotePriority(ctx, msgID, store.PriorityForTier(req.PriorityTier))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		h.logger.Error("failed to promote message", zap.Error(err), zap.Int64("id", msgID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to promote message", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       msgID,
		"promoted": promoted,
	})
}

// ListDeliveries handles GET /v1/deliveries?request_id=xxx or
// GET /v1/deliveries?recipient_id=xxx&limit=20&offset=0.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestIDStr := r.URL.Query().Get("request_id")
	recipientIDStr := r.URL.Query().Get("recipient_id")

	switch {
	case requestIDStr != "":
		requestID, err := uuid.Parse(requestIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request_id", "request_id must be a valid UUID")
			return
		}
		deliveries, err := h.deliveries.ListByRequest(ctx, requestID)
		if err != nil {
			h.logger.Error("failed to list deliveries", zap.Error(err), zap.String("request_id", requestIDStr))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":  deliveries,
			"count": len(deliveries),
		})

	case recipientIDStr != "":
		recipientID, err := uuid.Parse(recipientIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		limit, offset := paginationParams(r)
		deliveries, err := h.deliveries.ListByRecipient(ctx, recipientID, limit, offset)
		if err != nil {
			h.logger.Error("failed to list deliveries", zap.Error(err), zap.String("recipient_id", recipientIDStr))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":   deliveries,
			"limit":  limit,
			"offset": offset,
			"count":  len(deliveries),
		})

	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing filter",
			"request_id or recipient_id query parameter is required")
	}
}

// GetDelivery handles GET /v1/deliveries/{id}.
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	delivery, err := h.deliveries.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
			return
		}
		h.logger.Error("failed to get delivery", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, delivery)
}

// CreateProvider handles POST /v1/providers.
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		TenantID  string          `json:"tenant_id"`
		Channel   string          `json:"channel"`
		Name      string          `json:"name"`
		Config    json.RawMessage `json:"config,omitempty"`
		IsDefault bool            `json:"is_default"`
		Priority  int             `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	if req.Channel != store.ChannelEmail && req.Channel != store.ChannelSMS && req.Channel != store.ChannelPush {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, or push")
		return
	}

	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}

	if len(req.Config) > 0 && !json.Valid(req.Config) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid config", "config must be valid JSON")
		return
	}

	provider := &store.ChannelProvider{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Channel:   req.Channel,
		Name:      req.Name,
		Config:    req.Config,
		IsDefault: req.IsDefault,
		Priority:  req.Priority,
		IsActive:  true,
	}

	if err := h.providers.Create(ctx, provider); err != nil {
		h.logger.Error("failed to create provider",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("channel", req.Channel),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create provider", "")
		return
	}

	h.logger.Info("provider created",
		zap.String("id", provider.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("channel", req.Channel),
		zap.String("name", req.Name),
	)

	h.writeJSON(w, http.StatusCreated, provider)
}

// ListProviders handles GET /v1/providers?tenant_id=xxx&channel=email.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	channel := r.URL.Query().Get("channel")

	providers, err := h.providers.ListByTenant(ctx, tenantID, channel)
	if err != nil {
		h.logger.Error("failed to list providers", zap.Error(err), zap.String("tenant_id", tenantIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list providers", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  providers,
		"count": len(providers),
	})
}

// GetProvider handles GET /v1/providers/{id}.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	provider, err := h.providers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Provider not found", "")
			return
		}
		h.logger.Error("failed to get provider", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get provider", "")
		return
	}

	h.writeJSON(w, http.StatusOK, provider)
}

// SetDefaultProvider handles POST /v1/providers/{id}/default.
func (h *Handler) SetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.providers.SetDefault(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Provider not found", "")
			return
		}
		h.logger.Error("failed to set default provider", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to set default provider", "")
		return
	}

	h.logger.Info("default provider changed", zap.String("id", id.String()))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         id.String(),
		"is_default": true,
	})
}

// SetProviderActive handles POST /v1/providers/{id}/activate and
// POST /v1/providers/{id}/deactivate.
func (h *Handler) SetProviderActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, ok := h.pathUUID(w, r, "id")
		if !ok {
			return
		}

		if err := h.providers.SetActive(ctx, id, active); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Provider not found", "")
				return
			}
			h.logger.Error("failed to update provider active flag",
				zap.Error(err),
				zap.String("id", id.String()),
				zap.Bool("active", active),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update provider", "")
			return
		}

		h.logger.Info("provider active flag updated",
			zap.String("id", id.String()),
			zap.Bool("active", active),
		)

		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        id.String(),
			"is_active": active,
		})
	}
}

// ArchiveEvents handles POST /v1/maintenance/events/archive.
func (h *Handler) ArchiveEvents(w http.ResponseWriter, r *http.Request) {
	cutoff, ok := h.cutoffParam(w, r, 30*24*time.Hour)
	if !ok {
		return
	}

	moved, err := h.events.Archive(r.Context(), cutoff)
	if err != nil {
		h.logger.Error("event archive failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to archive events", "")
		return
	}

	h.logger.Info("events archived", zap.Int("count", moved), zap.Time("cutoff", cutoff))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"archived": moved,
		"cutoff":   cutoff,
	})
}

// PurgeEvents handles POST /v1/maintenance/events/purge.
func (h *Handler) PurgeEvents(w http.ResponseWriter, r *http.Request) {
	cutoff, ok := h.cutoffParam(w, r, 90*24*time.Hour)
	if !ok {
		return
	}

	purged, err := h.events.Purge(r.Context(), cutoff)
	if err != nil {
		h.logger.Error("event purge failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to purge events", "")
		return
	}

	h.logger.Info("events purged", zap.Int("count", purged), zap.Time("cutoff", cutoff))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": purged,
		"cutoff": cutoff,
	})
}

// PurgeQueue handles POST /v1/maintenance/queue/purge. Removes terminal
// queue rows older than the cutoff; queued and processing rows are never
// touched.
func (h *Handler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	cutoff, ok := h.cutoffParam(w, r, 7*24*time.Hour)
	if !ok {
		return
	}

	purged, err := h.queue.Purge(r.Context(), cutoff)
	if err != nil {
		h.logger.Error("queue purge failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to purge queue", "")
		return
	}

	h.logger.Info("queue purged", zap.Int("count", purged), zap.Time("cutoff", cutoff))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": purged,
		"cutoff": cutoff,
	})
}

// RetryFailed handles POST /v1/maintenance/retry-failed. Re-opens recently
// failed messages that still have attempts left.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Window string `json:"window,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	window := time.Hour
	if req.Window != "" {
		parsed, err := time.ParseDuration(req.Window)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window", "window must be a positive duration")
			return
		}
		window = parsed
	}

	limit := 100
	if req.Limit > 0 {
		limit = req.Limit
	}

	retried, err := h.retrier.RetryFailedDeliveries(r.Context(), window, limit)
	if err != nil {
		h.logger.Error("retry-failed sweep failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry failed deliveries", "")
		return
	}

	h.logger.Info("failed deliveries retried", zap.Int("count", retried))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"retried": retried,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// cutoffParam reads older_than from the body (a duration string) and
// converts it to an absolute cutoff, falling back to the given default.
func (h *Handler) cutoffParam(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Time, bool) {
	var req struct {
		OlderThan string `json:"older_than,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return time.Time{}, false
		}
	}

	olderThan := def
	if req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid older_than", "older_than must be a positive duration")
			return time.Time{}, false
		}
		olderThan = parsed
	}

	return time.Now().Add(-olderThan), true
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.New("all ids must be valid UUIDs")
		}
		out = append(out, id)
	}
	return out, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
