package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

type pgCustomerRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgCustomerRepository creates a CustomerRepository for PostgreSQL.
func NewPgCustomerRepository(db repository.Querier, logger *slog.Logger) repository.CustomerRepository {
	return &pgCustomerRepository{db: db, logger: logger.With("repository", "customer")}
}

func (r *pgCustomerRepository) GetByReference(ctx context.Context, organizationID, reference string) (*domain.Customer, error) {
	c := &domain.Customer{}
	query := `
		SELECT id, organization_id, reference, package_id, phone, expires_at, payment_count, updated_at
		FROM customers
		WHERE organization_id = $1 AND reference = $2
	`
	err := r.db.QueryRow(ctx, query, organizationID, reference).Scan(
		&c.ID, &c.OrganizationID, &c.Reference, &c.PackageID, &c.Phone,
		&c.ExpiresAt, &c.PaymentCount, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *pgCustomerRepository) ExtendExpiry(ctx context.Context, q repository.Querier, id string, newExpiry time.Time) error {
	query := `
		UPDATE customers
		SET expires_at = $2, payment_count = payment_count + 1, updated_at = now()
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, id, newExpiry)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
