package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// Querier is the common interface over pgxpool.Pool, pgx.Tx and pgxmock so
// repository methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxRunner runs a function inside one database transaction. The settlement
// dispatcher uses it so the credit and the ledger settlement mark commit or
// roll back together.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(q Querier) error) error
}

// GatewayConfigRepository resolves per-organization gateway credentials.
type GatewayConfigRepository interface {
	GetActiveByRouting(ctx context.Context, gateway domain.GatewayType, routingIdentifier string) (*domain.GatewayConfiguration, error)
}

// LedgerRepository persists the append-only transaction ledger.
type LedgerRepository interface {
	// Create appends one record per inbound notification attempt,
	// regardless of outcome.
	Create(ctx context.Context, rec *domain.RawTransactionRecord) (*domain.RawTransactionRecord, error)

	// GetSettledByExternalID returns the prior successfully settled record
	// for the same (gateway, external id), or domain.ErrNotFound.
	GetSettledByExternalID(ctx context.Context, gateway domain.GatewayType, externalID string) (*domain.RawTransactionRecord, error)

	// AttachSettlement marks a ledger row with its settlement outcome. A
	// partial unique index on (gateway, external_id) for settled rows makes
	// this the single serialization point for concurrent duplicate
	// deliveries: the second writer gets domain.ErrDuplicateTransaction.
	AttachSettlement(ctx context.Context, q Querier, id string, status domain.SettlementStatus, target domain.SettlementTarget, entityID *string) error

	// ListFailedSettlements is the operator reconciliation query: ledger
	// rows whose downstream credit failed after a successful write.
	ListFailedSettlements(ctx context.Context, limit int) ([]domain.RawTransactionRecord, error)
}

// VoucherRepository owns hotspot voucher rows.
type VoucherRepository interface {
	Create(ctx context.Context, v *domain.HotspotVoucher) (*domain.HotspotVoucher, error)
	GetByID(ctx context.Context, id string) (*domain.HotspotVoucher, error)
	GetByPaymentReference(ctx context.Context, reference string) (*domain.HotspotVoucher, error)
	GetByCode(ctx context.Context, code string) (*domain.HotspotVoucher, error)
	CodeExists(ctx context.Context, code string) (bool, error)

	// Activate transitions PENDING -> ACTIVE with the state guard in SQL;
	// any other current state returns domain.ErrVoucherTerminal.
	Activate(ctx context.Context, q Querier, id string, expiresAt time.Time) error

	// Cancel transitions PENDING -> CANCELLED. Settlement never cancels an
	// ACTIVE voucher; that path belongs to org admins.
	Cancel(ctx context.Context, q Querier, id string) error

	// ExpireDue moves overdue PENDING|ACTIVE vouchers to EXPIRED and
	// returns how many were swept.
	ExpireDue(ctx context.Context) (int64, error)
}

// CustomerRepository is the boundary to the CRM-owned subscription records.
type CustomerRepository interface {
	GetByReference(ctx context.Context, organizationID, reference string) (*domain.Customer, error)

	// ExtendExpiry sets the new expiry and increments the payment count.
	ExtendExpiry(ctx context.Context, q Querier, id string, newExpiry time.Time) error
}

// PackageRepository resolves service packages for entitlement durations.
type PackageRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Package, error)
}
