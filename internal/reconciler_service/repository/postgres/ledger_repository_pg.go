package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

const pgUniqueViolation = "23505"

const ledgerColumns = `id, gateway, external_id, amount_minor, payer_phone, reference,
	       routing_identifier, occurred_at, status_raw, succeeded,
	       settlement_status, settlement_target, settled_entity_id, raw_payload, created_at`

type pgLedgerRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgLedgerRepository creates a LedgerRepository for PostgreSQL.
func NewPgLedgerRepository(db repository.Querier, logger *slog.Logger) repository.LedgerRepository {
	return &pgLedgerRepository{db: db, logger: logger.With("repository", "ledger")}
}

func (r *pgLedgerRepository) Create(ctx context.Context, rec *domain.RawTransactionRecord) (*domain.RawTransactionRecord, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	if rec.SettlementStatus == "" {
		rec.SettlementStatus = domain.SettlementPending
	}
	if rec.SettlementTarget == "" {
		rec.SettlementTarget = domain.TargetNone
	}

	query := `
		INSERT INTO raw_transaction_records (id, gateway, external_id, amount_minor, payer_phone,
		                                     reference, routing_identifier, occurred_at, status_raw,
		                                     succeeded, settlement_status, settlement_target, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.Gateway, rec.ExternalID, rec.AmountMinor, rec.PayerPhone,
		rec.Reference, rec.RoutingIdentifier, rec.OccurredAt, rec.StatusRaw,
		rec.Succeeded, rec.SettlementStatus, rec.SettlementTarget, rec.RawPayload, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	return rec, nil
}

func (r *pgLedgerRepository) GetSettledByExternalID(ctx context.Context, gateway domain.GatewayType, externalID string) (*domain.RawTransactionRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM raw_transaction_records
		WHERE gateway = $1 AND external_id = $2 AND settlement_status = 'settled' AND succeeded = TRUE
	`
	rec, err := r.scanOne(r.db.QueryRow(ctx, query, gateway, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *pgLedgerRepository) AttachSettlement(ctx context.Context, q repository.Querier, id string, status domain.SettlementStatus, target domain.SettlementTarget, entityID *string) error {
	query := `
		UPDATE raw_transaction_records
		SET settlement_status = $2, settlement_target = $3, settled_entity_id = $4
		WHERE id = $1
	`
	_, err := q.Exec(ctx, query, id, status, target, entityID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Another delivery for the same (gateway, external_id) settled
			// first; the partial unique index on settled rows enforces the
			// at-most-once credit.
			return domain.ErrDuplicateTransaction
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

func (r *pgLedgerRepository) ListFailedSettlements(ctx context.Context, limit int) ([]domain.RawTransactionRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM raw_transaction_records
		WHERE settlement_status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.RawTransactionRecord
	for rows.Next() {
		rec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *pgLedgerRepository) scanOne(row pgx.Row) (*domain.RawTransactionRecord, error) {
	rec := &domain.RawTransactionRecord{}
	err := row.Scan(
		&rec.ID, &rec.Gateway, &rec.ExternalID, &rec.AmountMinor, &rec.PayerPhone, &rec.Reference,
		&rec.RoutingIdentifier, &rec.OccurredAt, &rec.StatusRaw, &rec.Succeeded,
		&rec.SettlementStatus, &rec.SettlementTarget, &rec.SettledEntityID, &rec.RawPayload, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
