package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Providers persists channel provider records. The one-default-per-
// (tenant, channel) invariant is held two ways: SetDefault clears the prior
// default in the same transaction, and a partial unique index backs it up in
// the schema.
type Providers struct {
	db     *DB
	logger *zap.Logger
}

// NewProviders creates a provider repository.
func NewProviders(db *DB, logger *zap.Logger) *Providers {
	return &Providers{db: db, logger: logger}
}

// Create inserts a provider.
func (p *Providers) Create(ctx context.Context, provider *ChannelProvider) error {
	query := `
		INSERT INTO channel_providers (
			id, tenant_id, channel, name, config, is_default, priority, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := p.db.Pool().QueryRow(ctx, query,
		provider.ID,
		provider.TenantID,
		provider.Channel,
		provider.Name,
		provider.Config,
		provider.IsDefault,
		provider.Priority,
		provider.IsActive,
	).Scan(&provider.CreatedAt, &provider.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}

	p.logger.Info("provider created",
		zap.String("provider_id", provider.ID.String()),
		zap.String("tenant_id", provider.TenantID.String()),
		zap.String("channel", provider.Channel),
	)

	return nil
}

// Get retrieves a provider by id.
func (p *Providers) Get(ctx context.Context, id uuid.UUID) (*ChannelProvider, error) {
	query := `
		SELECT id, tenant_id, channel, name, config, is_default, priority,
			is_active, created_at, updated_at
		FROM channel_providers
		WHERE id = $1
	`

	var provider ChannelProvider
	err := p.db.Pool().QueryRow(ctx, query, id).Scan(
		&provider.ID,
		&provider.TenantID,
		&provider.Channel,
		&provider.Name,
		&provider.Config,
		&provider.IsDefault,
		&provider.Priority,
		&provider.IsActive,
		&provider.CreatedAt,
		&provider.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query provider: %w", err)
	}
	return &provider, nil
}

// ListActive returns the active providers for a tenant and channel ordered
// default first, then ascending priority value, then id. The slice is a
// snapshot: later provider mutations never affect an in-flight send decision.
func (p *Providers) ListActive(ctx context.Context, tenantID uuid.UUID, channel string) ([]*ChannelProvider, error) {
	query := `
		SELECT id, tenant_id, channel, name, config, is_default, priority,
			is_active, created_at, updated_at
		FROM channel_providers
		WHERE tenant_id = $1 AND channel = $2 AND is_active = TRUE
		ORDER BY is_default DESC, priority ASC, id ASC
	`

	return p.list(ctx, query, tenantID, channel)
}

// ListByTenant returns all providers for a tenant, optionally filtered by
// channel, for the admin surface.
func (p *Providers) ListByTenant(ctx context.Context, tenantID uuid.UUID, channel string) ([]*ChannelProvider, error) {
	if channel == "" {
		query := `
			SELECT id, tenant_id, channel, name, config, is_default, priority,
				is_active, created_at, updated_at
			FROM channel_providers
			WHERE tenant_id = $1
			ORDER BY channel, is_default DESC, priority ASC, id ASC
		`
		return p.list(ctx, query, tenantID)
	}

	query := `
		SELECT id, tenant_id, channel, name, config, is_default, priority,
			is_active, created_at, updated_at
		FROM channel_providers
		WHERE tenant_id = $1 AND channel = $2
		ORDER BY is_default DESC, priority ASC, id ASC
	`
	return p.list(ctx, query, tenantID, channel)
}

func (p *Providers) list(ctx context.Context, query string, args ...any) ([]*ChannelProvider, error) {
	rows, err := p.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []*ChannelProvider
	for rows.Next() {
		var provider ChannelProvider
		err := rows.Scan(
			&provider.ID,
			&provider.TenantID,
			&provider.Channel,
			&provider.Name,
			&provider.Config,
			&provider.IsDefault,
			&provider.Priority,
			&provider.IsActive,
			&provider.CreatedAt,
			&provider.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, &provider)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return providers, nil
}

// SetDefault makes one provider the default for its (tenant, channel) pair
// and clears any other default in the same transaction.
func (p *Providers) SetDefault(ctx context.Context, id uuid.UUID) error {
	provider, err := p.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := p.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	clearQuery := `
		UPDATE channel_providers
		SET is_default = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND channel = $2 AND is_default = TRUE AND id <> $3
	`
	if _, err := tx.Exec(ctx, clearQuery, provider.TenantID, provider.Channel, id); err != nil {
		return fmt.Errorf("clear previous default: %w", err)
	}

	setQuery := `
		UPDATE channel_providers
		SET is_default = TRUE, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, setQuery, id); err != nil {
		return fmt.Errorf("set default: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.logger.Info("default provider changed",
		zap.String("provider_id", id.String()),
		zap.String("tenant_id", provider.TenantID.String()),
		zap.String("channel", provider.Channel),
	)

	return nil
}

// SetActive flips a provider's active flag.
func (p *Providers) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE channel_providers
		SET is_active = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := p.db.Pool().Exec(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("set provider active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}

	p.logger.Info("provider activation changed",
		zap.String("provider_id", id.String()),
		zap.Bool("active", active),
	)
	return nil
}
