package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// WebhookNotifier POSTs the final request status to the caller's callback
// URL. Failures are logged, never retried: the request record remains the
// source of truth and callers can always poll.
type WebhookNotifier struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a callback notifier.
func NewWebhookNotifier(timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type callbackPayload struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NotifyFinal delivers the terminal status to the request's callback URL,
// when one was provided.
func (n *WebhookNotifier) NotifyFinal(ctx context.Context, req *store.NotificationRequest) {
	if req.CallbackURL == nil || *req.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(callbackPayload{
		RequestID:   req.ID.String(),
		Status:      req.Status,
		ProcessedAt: req.ProcessedAt,
	})
	if err != nil {
		n.logger.Error("failed to marshal callback payload", zap.Error(err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, *req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build callback request", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.logger.Warn("callback delivery failed",
			zap.String("request_id", req.ID.String()),
			zap.String("url", *req.CallbackURL),
			zap.Error(err),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Warn("callback endpoint returned non-success",
			zap.String("request_id", req.ID.String()),
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	n.logger.Debug("callback delivered",
		zap.String("request_id", req.ID.String()),
		zap.String("status", req.Status),
	)
}
