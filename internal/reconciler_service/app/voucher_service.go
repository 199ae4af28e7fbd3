package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

const (
	voucherCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	voucherCodeLength   = 8
	codeGenMaxAttempts  = 10
)

// VoucherService owns voucher code generation and time-based expiry.
type VoucherService struct {
	voucherRepo repository.VoucherRepository
	logger      *slog.Logger
}

func NewVoucherService(voucherRepo repository.VoucherRepository, logger *slog.Logger) *VoucherService {
	return &VoucherService{
		voucherRepo: voucherRepo,
		logger:      logger.With("service", "voucher"),
	}
}

// GenerateCode produces a unique 8-character uppercase alphanumeric voucher
// code. Collisions in the 36^8 keyspace are astronomically unlikely but the
// retry bound still exists; exhaustion fails the purchase flow with
// domain.ErrCodeGenerationExhausted.
func (s *VoucherService) GenerateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeGenMaxAttempts; attempt++ {
		code, err := randomCode(voucherCodeLength)
		if err != nil {
			return "", fmt.Errorf("voucher code generation: %w", err)
		}
		exists, err := s.voucherRepo.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("voucher code uniqueness check: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.logger.WarnContext(ctx, "voucher code collision, retrying", "attempt", attempt+1)
	}
	return "", domain.ErrCodeGenerationExhausted
}

// CreatePending creates a PENDING voucher at purchase-initiation time, before
// the payment completes.
func (s *VoucherService) CreatePending(ctx context.Context, organizationID, packageID, phone, paymentReference string, amountMinor int64) (*domain.HotspotVoucher, error) {
	code, err := s.GenerateCode(ctx)
	if err != nil {
		return nil, err
	}
	voucher := &domain.HotspotVoucher{
		OrganizationID:   organizationID,
		PackageID:        packageID,
		Code:             code,
		Phone:            phone,
		AmountMinor:      amountMinor,
		Status:           domain.VoucherPending,
		PaymentReference: paymentReference,
	}
	created, err := s.voucherRepo.Create(ctx, voucher)
	if err != nil {
		return nil, fmt.Errorf("voucher create: %w", err)
	}
	s.logger.InfoContext(ctx, "pending voucher created",
		"voucher_id", created.ID, "organization_id", organizationID, "package_id", packageID)
	return created, nil
}

// ExpireDue sweeps overdue PENDING and ACTIVE vouchers to EXPIRED. Called
// periodically from the service main loop.
func (s *VoucherService) ExpireDue(ctx context.Context) error {
	swept, err := s.voucherRepo.ExpireDue(ctx)
	if err != nil {
		return fmt.Errorf("voucher expiry sweep: %w", err)
	}
	if swept > 0 {
		vouchersExpiredCounter.Add(float64(swept))
		s.logger.InfoContext(ctx, "expired overdue vouchers", "count", swept)
	}
	return nil
}

func randomCode(length int) (string, error) {
	max := big.NewInt(int64(len(voucherCodeAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = voucherCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
