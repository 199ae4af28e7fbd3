package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

type pgPackageRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgPackageRepository creates a PackageRepository for PostgreSQL.
func NewPgPackageRepository(db repository.Querier, logger *slog.Logger) repository.PackageRepository {
	return &pgPackageRepository{db: db, logger: logger.With("repository", "package")}
}

func (r *pgPackageRepository) GetByID(ctx context.Context, id string) (*domain.Package, error) {
	p := &domain.Package{}
	query := `
		SELECT id, organization_id, name, price_minor, duration_value, duration_unit, is_active, created_at
		FROM packages
		WHERE id = $1 AND is_active = TRUE
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.OrganizationID, &p.Name, &p.PriceMinor,
		&p.DurationValue, &p.DurationUnit, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}
