package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request status constants
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
	RequestCancelled  = "cancelled"
	RequestExpired    = "expired"
)

// Queued message status constants
const (
	MessageQueued     = "queued"
	MessageProcessing = "processing"
	MessageCompleted  = "completed"
	MessageFailed     = "failed"
)

// Delivery status constants
const (
	DeliveryQueued    = "queued"
	DeliveryAttempted = "attempted"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// Priority tiers map to fixed integer priorities; higher is claimed first.
const (
	TierHigh   = "high"
	TierNormal = "normal"
	TierLow    = "low"

	PriorityHigh   = 2
	PriorityNormal = 1
	PriorityLow    = 0
)

// PriorityForTier maps a request priority tier to a queue priority.
// Unknown tiers fall back to normal.
func PriorityForTier(tier string) int {
	switch tier {
	case TierHigh:
		return PriorityHigh
	case TierLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// RequestTerminal reports whether a request status is an end state.
func RequestTerminal(status string) bool {
	switch status {
	case RequestCompleted, RequestFailed, RequestCancelled, RequestExpired:
		return true
	}
	return false
}

// NotificationRequest is a caller's request to notify a set of recipients.
// Once it reaches a terminal status it is never mutated again.
type NotificationRequest struct {
	ID            uuid.UUID       `json:"id"`
	ApplicationID uuid.UUID       `json:"application_id"`
	TemplateID    uuid.UUID       `json:"template_id"`
	Payload       json.RawMessage `json:"payload"`
	PriorityTier  string          `json:"priority_tier"`
	RecipientIDs  []uuid.UUID     `json:"recipient_ids"`
	GroupIDs      []uuid.UUID     `json:"group_ids,omitempty"`
	Channels      []string        `json:"channels"`
	Status        string          `json:"status"`
	CallbackURL   *string         `json:"callback_url,omitempty"`
	Requester     *string         `json:"requester,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// QueuedMessage is one fanned-out unit of work: a single (recipient, channel)
// pair. The numeric ID is strictly increasing and doubles as the FIFO
// tie-breaker among equal priorities. Attempt is the authoritative retry
// counter for the message lineage; delivery rows are audit only.
type QueuedMessage struct {
	ID          int64      `json:"id"`
	RequestID   uuid.UUID  `json:"request_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Channel     string     `json:"channel"`
	Content     []byte     `json:"content"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	LastError   *string    `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ChannelProvider is a configured transport for one tenant and channel.
// At most one provider per (tenant, channel) carries IsDefault.
type ChannelProvider struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	IsDefault bool            `json:"is_default"`
	Priority  int             `json:"priority"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MessageDelivery records the outcome of delivering one queued message
// through one provider. Retries against the same provider reuse the row and
// bump Attempts; switching providers opens a new row, so the set of rows per
// message is the failover audit trail.
type MessageDelivery struct {
	ID                uuid.UUID  `json:"id"`
	QueueID           *int64     `json:"queue_id,omitempty"`
	RequestID         uuid.UUID  `json:"request_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	ProviderID        uuid.UUID  `json:"provider_id"`
	Channel           string     `json:"channel"`
	Content           []byte     `json:"content"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ProviderResponse  *string    `json:"provider_response,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Event types recorded in the audit trail.
const (
	EventRequestCreated   = "request.created"
	EventRequestFanout    = "request.fanout"
	EventRequestCompleted = "request.completed"
	EventRequestFailed    = "request.failed"
	EventRequestCancelled = "request.cancelled"
	EventRequestExpired   = "request.expired"
	EventMessageEnqueued  = "message.enqueued"
	EventMessageClaimed   = "message.claimed"
	EventMessageRequeued  = "message.requeued"
	EventMessageCompleted = "message.completed"
	EventMessageFailed    = "message.failed"
	EventMessagePromoted  = "message.promoted"
	EventMessageReclaimed = "message.reclaimed"
	EventDeliveryAttempt  = "delivery.attempt"
	EventDeliverySuccess  = "delivery.delivered"
	EventDeliveryFailure  = "delivery.failed"
	EventProviderSwitch   = "delivery.provider_switch"
)

// Entity types referenced by events. Weak references: events never own
// their subject rows.
const (
	EntityRequest  = "request"
	EntityMessage  = "message"
	EntityDelivery = "delivery"
)

// Event is one append-only audit record. Rows are archived or purged past a
// cutoff, never updated.
type Event struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// QueueStatus is a point-in-time aggregation computed from authoritative
// queue rows, never from a cache.
type QueueStatus struct {
	ByStatus   map[string]int `json:"by_status"`
	ByChannel  map[string]int `json:"by_channel"`
	ByPriority map[int]int    `json:"by_priority"`
	Total      int            `json:"total"`
}
