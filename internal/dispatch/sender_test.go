package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// channelSender supports exactly one channel.
type channelSender struct {
	channel string
	sent    int
}

func (s *channelSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*SendResult, error) {
	s.sent++
	return &SendResult{ProviderMessageID: s.channel + "-1", Response: "ok"}, nil
}

func (s *channelSender) SupportsChannel(channel string) bool { return channel == s.channel }

func testMsg(channel string) *store.QueuedMessage {
	return &store.QueuedMessage{
		ID:          1,
		RecipientID: uuid.New(),
		Channel:     channel,
		Content:     []byte(`{"subject":"s","body":"b"}`),
	}
}

func testProv() *store.ChannelProvider {
	return &store.ChannelProvider{ID: uuid.New(), Name: "test", Channel: store.ChannelEmail}
}

func TestMultiSenderRoutesByChannel(t *testing.T) {
	email := &channelSender{channel: store.ChannelEmail}
	sms := &channelSender{channel: store.ChannelSMS}
	multi := NewMultiSender(zap.NewNop(), email, sms)

	if _, err := multi.Send(context.Background(), testMsg(store.ChannelSMS), testProv()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sms.sent != 1 || email.sent != 0 {
		t.Errorf("message routed wrong: email=%d sms=%d", email.sent, sms.sent)
	}
}

func TestMultiSenderUnroutableIsTerminal(t *testing.T) {
	multi := NewMultiSender(zap.NewNop(), &channelSender{channel: store.ChannelEmail})

	_, err := multi.Send(context.Background(), testMsg(store.ChannelPush), testProv())
	if err == nil {
		t.Fatal("expected an error for an unroutable channel")
	}
	if !IsTerminal(err) {
		t.Errorf("unroutable channel must be terminal, got %v", err)
	}

	if multi.SupportsChannel(store.ChannelPush) {
		t.Error("SupportsChannel must reflect the underlying senders")
	}
	if !multi.SupportsChannel(store.ChannelEmail) {
		t.Error("expected email support")
	}
}

func TestLogSenderAcceptsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, channel := range []string{store.ChannelEmail, store.ChannelSMS, store.ChannelPush} {
		result, err := sender.Send(context.Background(), testMsg(channel), testProv())
		if err != nil {
			t.Errorf("channel %s: expected no error, got %v", channel, err)
			continue
		}
		if result.ProviderMessageID == "" {
			t.Errorf("channel %s: expected a synthetic provider message id", channel)
		}
		if !sender.SupportsChannel(channel) {
			t.Errorf("channel %s: expected support", channel)
		}
	}
}

func TestProviderErrorClassification(t *testing.T) {
	providerID := uuid.New()
	cause := errors.New("connection reset")

	transient := Transient(providerID, cause)
	if IsTerminal(transient) {
		t.Error("transient error classified terminal")
	}
	if !errors.Is(transient, cause) {
		t.Error("cause must survive wrapping")
	}

	terminal := Terminal(providerID, errors.New("bad address"))
	if !IsTerminal(terminal) {
		t.Error("terminal error classified transient")
	}

	var perr *ProviderError
	if !errors.As(terminal, &perr) {
		t.Fatal("expected a ProviderError")
	}
	if perr.ProviderID != providerID {
		t.Errorf("expected provider id %s, got %s", providerID, perr.ProviderID)
	}

	// Plain errors default to transient so failover and backoff apply
	if IsTerminal(errors.New("who knows")) {
		t.Error("unclassified errors must be treated as transient")
	}
}
