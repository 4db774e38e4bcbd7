package circuitbreaker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/dispatch"
	"github.com/agrofleet/herald/internal/metrics"
	"github.com/agrofleet/herald/internal/store"
)

// ProtectedSender wraps a dispatch.Sender with one breaker per provider.
// A provider whose circuit is open is reported as a transient failure, so
// the worker's failover moves straight to the next provider instead of
// waiting out a timeout against a dead one.
//
// Terminal send errors (invalid recipient, rejected content) say nothing
// about provider health and do not count against the breaker.
type ProtectedSender struct {
	sender dispatch.Sender
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProtectedSender wraps a sender with circuit breaker protection.
// cfg.Name is ignored; each provider gets a breaker named after it.
func NewProtectedSender(sender dispatch.Sender, cfg Config, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:   sender,
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Send attempts delivery through the provider's breaker. If the circuit is
// open, returns a transient provider error immediately.
func (p *ProtectedSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*dispatch.SendResult, error) {
	cb := p.breakerFor(provider)

	if !cb.Allow() {
		metrics.RecordBreakerRejection(provider.ID.String())
		p.logger.Warn("circuit breaker rejected send",
			zap.String("provider_id", provider.ID.String()),
			zap.String("provider", provider.Name),
			zap.Int64("queue_id", msg.ID),
			zap.String("state", cb.GetState().String()),
		)
		return nil, dispatch.Transient(provider.ID,
			fmt.Errorf("%w: provider %s unavailable", ErrCircuitOpen, provider.Name))
	}

	result, err := p.sender.Send(ctx, msg, provider)
	if err != nil {
		if dispatch.IsTerminal(err) {
			// Provider is healthy, the message is bad.
			cb.RecordSuccess()
		} else {
			cb.RecordFailure()
		}
		return nil, err
	}

	cb.RecordSuccess()
	return result, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Stats returns stats for every provider breaker seen so far.
func (p *ProtectedSender) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.breakers))
	for _, cb := range p.breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// Reset closes the breaker for the given provider, if one exists.
func (p *ProtectedSender) Reset(providerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[providerID]
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

func (p *ProtectedSender) breakerFor(provider *store.ChannelProvider) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := provider.ID.String()
	cb, ok := p.breakers[key]
	if !ok {
		cfg := p.config
		cfg.Name = provider.Name
		cb = New(cfg, p.logger)
		p.breakers[key] = cb
	}
	return cb
}
