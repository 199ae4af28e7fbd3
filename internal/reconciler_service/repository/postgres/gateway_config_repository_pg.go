package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

type pgGatewayConfigRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgGatewayConfigRepository creates a GatewayConfigRepository for PostgreSQL.
func NewPgGatewayConfigRepository(db repository.Querier, logger *slog.Logger) repository.GatewayConfigRepository {
	return &pgGatewayConfigRepository{db: db, logger: logger.With("repository", "gateway_config")}
}

func (r *pgGatewayConfigRepository) GetActiveByRouting(ctx context.Context, gateway domain.GatewayType, routingIdentifier string) (*domain.GatewayConfiguration, error) {
	cfg := &domain.GatewayConfiguration{}
	query := `
		SELECT id, organization_id, gateway, routing_identifier, api_key,
		       callback_token, bill_ref_required, is_active, created_at, updated_at
		FROM gateway_configurations
		WHERE gateway = $1 AND routing_identifier = $2 AND is_active = TRUE
	`
	err := r.db.QueryRow(ctx, query, gateway, routingIdentifier).Scan(
		&cfg.ID, &cfg.OrganizationID, &cfg.Gateway, &cfg.RoutingIdentifier, &cfg.APIKey,
		&cfg.CallbackToken, &cfg.BillRefRequired, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownRoutingIdentifier
		}
		return nil, err
	}
	return cfg, nil
}
