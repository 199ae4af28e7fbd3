package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

const voucherColumns = `id, organization_id, package_id, code, phone, amount_minor, status,
	       payment_reference, expires_at, first_used_at, created_at, updated_at`

type pgVoucherRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgVoucherRepository creates a VoucherRepository for PostgreSQL.
func NewPgVoucherRepository(db repository.Querier, logger *slog.Logger) repository.VoucherRepository {
	return &pgVoucherRepository{db: db, logger: logger.With("repository", "voucher")}
}

func (r *pgVoucherRepository) Create(ctx context.Context, v *domain.HotspotVoucher) (*domain.HotspotVoucher, error) {
	v.ID = uuid.NewString()
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = domain.VoucherPending
	}

	query := `
		INSERT INTO hotspot_vouchers (id, organization_id, package_id, code, phone, amount_minor,
		                              status, payment_reference, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		v.ID, v.OrganizationID, v.PackageID, v.Code, v.Phone, v.AmountMinor,
		v.Status, v.PaymentReference, v.ExpiresAt, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *pgVoucherRepository) GetByID(ctx context.Context, id string) (*domain.HotspotVoucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM hotspot_vouchers WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *pgVoucherRepository) GetByPaymentReference(ctx context.Context, reference string) (*domain.HotspotVoucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM hotspot_vouchers WHERE payment_reference = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, reference))
}

func (r *pgVoucherRepository) GetByCode(ctx context.Context, code string) (*domain.HotspotVoucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM hotspot_vouchers WHERE code = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, code))
}

func (r *pgVoucherRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM hotspot_vouchers WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *pgVoucherRepository) Activate(ctx context.Context, q repository.Querier, id string, expiresAt time.Time) error {
	// State guard in SQL so concurrent writers serialize on the row, not on
	// in-process locks.
	query := `
		UPDATE hotspot_vouchers
		SET status = 'ACTIVE', expires_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := q.Exec(ctx, query, id, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVoucherTerminal
	}
	return nil
}

func (r *pgVoucherRepository) Cancel(ctx context.Context, q repository.Querier, id string) error {
	// Settlement may only cancel vouchers still waiting on payment: a failed
	// notification must never take down an already-ACTIVE voucher.
	query := `
		UPDATE hotspot_vouchers
		SET status = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVoucherTerminal
	}
	return nil
}

func (r *pgVoucherRepository) ExpireDue(ctx context.Context) (int64, error) {
	query := `
		UPDATE hotspot_vouchers
		SET status = 'EXPIRED', updated_at = now()
		WHERE status IN ('PENDING', 'ACTIVE') AND expires_at IS NOT NULL AND expires_at < now()
	`
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *pgVoucherRepository) scanOne(row pgx.Row) (*domain.HotspotVoucher, error) {
	v := &domain.HotspotVoucher{}
	err := row.Scan(
		&v.ID, &v.OrganizationID, &v.PackageID, &v.Code, &v.Phone, &v.AmountMinor, &v.Status,
		&v.PaymentReference, &v.ExpiresAt, &v.FirstUsedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}
