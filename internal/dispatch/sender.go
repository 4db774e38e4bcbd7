package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// SendResult carries what the provider reported back for a successful send.
type SendResult struct {
	ProviderMessageID string
	Response          string
}

// Sender is the unified transport interface for all channels. A failed send
// returns a ProviderError so the worker can tell transient from terminal.
type Sender interface {
	Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error)
	SupportsChannel(channel string) bool
}

// EmailContent is the rendered content of an email message.
type EmailContent struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSContent is the rendered content of an SMS message.
type SMSContent struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// PushContent is the rendered content of a push message. TargetARN is the
// recipient's SNS platform endpoint.
type PushContent struct {
	TargetARN string `json:"target_arn"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// MultiSender routes a message to the first underlying sender that supports
// its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

// Send routes the message to the sender for its channel.
func (m *MultiSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.Int64("queue_id", msg.ID),
				zap.String("provider_id", provider.ID.String()),
			)
			return sender.Send(ctx, msg, provider)
		}
	}
	return nil, Terminal(provider.ID, fmt.Errorf("no sender for channel: %s", msg.Channel))
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (development mode).
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	s.logger.Info("logging message (development mode)",
		zap.Int64("queue_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("recipient_id", msg.RecipientID.String()),
		zap.String("provider", provider.Name),
		zap.Any("content", json.RawMessage(msg.Content)),
	)
	return &SendResult{
		ProviderMessageID: fmt.Sprintf("log-%d-%d", msg.ID, msg.Attempt),
		Response:          "logged",
	}, nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelEmail || channel == store.ChannelSMS || channel == store.ChannelPush
}
