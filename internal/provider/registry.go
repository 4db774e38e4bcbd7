// Package provider resolves the ordered set of channel providers a worker
// tries for a tenant and channel.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/store"
)

// ErrNoActiveProvider is returned when a tenant has no active provider for a
// channel. Terminal for any message on that channel until an operator
// activates one.
var ErrNoActiveProvider = errors.New("no active provider for channel")

// Store is the persistence surface the registry needs.
type Store interface {
	ListActive(ctx context.Context, tenantID uuid.UUID, channel string) ([]*store.ChannelProvider, error)
	SetDefault(ctx context.Context, id uuid.UUID) error
}

// Registry resolves providers into a read-only ordered view. Resolution
// materializes a snapshot slice, so a provider deactivated mid-dispatch does
// not change an already-resolved send plan.
type Registry struct {
	store  Store
	logger *zap.Logger
}

// NewRegistry creates a provider registry.
func NewRegistry(s Store, logger *zap.Logger) *Registry {
	return &Registry{store: s, logger: logger}
}

// Resolve returns the active providers for (tenant, channel): default first
// when active, then ascending priority value, ties broken by id ascending.
// The ordering comes from the store query; resolution only validates
// non-emptiness.
func (r *Registry) Resolve(ctx context.Context, tenantID uuid.UUID, channel string) ([]*store.ChannelProvider, error) {
	providers, err := r.store.ListActive(ctx, tenantID, channel)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	if len(providers) == 0 {
		r.logger.Warn("no active provider",
			zap.String("tenant_id", tenantID.String()),
			zap.String("channel", channel),
		)
		return nil, fmt.Errorf("%w: tenant=%s channel=%s", ErrNoActiveProvider, tenantID, channel)
	}
	return providers, nil
}

// SetDefault promotes a provider to the default for its (tenant, channel)
// pair, atomically clearing any previous default.
func (r *Registry) SetDefault(ctx context.Context, id uuid.UUID) error {
	if err := r.store.SetDefault(ctx, id); err != nil {
		return fmt.Errorf("set default provider: %w", err)
	}
	return nil
}
