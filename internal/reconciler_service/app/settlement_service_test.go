package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/gateways"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

// --- Mocks ---

type MockGatewayConfigRepository struct {
	mock.Mock
}

func (m *MockGatewayConfigRepository) GetActiveByRouting(ctx context.Context, gateway domain.GatewayType, routingIdentifier string) (*domain.GatewayConfiguration, error) {
	args := m.Called(ctx, gateway, routingIdentifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayConfiguration), args.Error(1)
}

type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Create(ctx context.Context, rec *domain.RawTransactionRecord) (*domain.RawTransactionRecord, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RawTransactionRecord), args.Error(1)
}

func (m *MockLedgerRepository) GetSettledByExternalID(ctx context.Context, gateway domain.GatewayType, externalID string) (*domain.RawTransactionRecord, error) {
	args := m.Called(ctx, gateway, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RawTransactionRecord), args.Error(1)
}

func (m *MockLedgerRepository) AttachSettlement(ctx context.Context, q repository.Querier, id string, status domain.SettlementStatus, target domain.SettlementTarget, entityID *string) error {
	args := m.Called(ctx, q, id, status, target, entityID)
	return args.Error(0)
}

func (m *MockLedgerRepository) ListFailedSettlements(ctx context.Context, limit int) ([]domain.RawTransactionRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RawTransactionRecord), args.Error(1)
}

type MockVoucherRepository struct {
	mock.Mock
}

func (m *MockVoucherRepository) Create(ctx context.Context, v *domain.HotspotVoucher) (*domain.HotspotVoucher, error) {
	args := m.Called(ctx, v)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HotspotVoucher), args.Error(1)
}

func (m *MockVoucherRepository) GetByID(ctx context.Context, id string) (*domain.HotspotVoucher, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HotspotVoucher), args.Error(1)
}

func (m *MockVoucherRepository) GetByPaymentReference(ctx context.Context, reference string) (*domain.HotspotVoucher, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HotspotVoucher), args.Error(1)
}

func (m *MockVoucherRepository) GetByCode(ctx context.Context, code string) (*domain.HotspotVoucher, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HotspotVoucher), args.Error(1)
}

func (m *MockVoucherRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *MockVoucherRepository) Activate(ctx context.Context, q repository.Querier, id string, expiresAt time.Time) error {
	args := m.Called(ctx, q, id, expiresAt)
	return args.Error(0)
}

func (m *MockVoucherRepository) Cancel(ctx context.Context, q repository.Querier, id string) error {
	args := m.Called(ctx, q, id)
	return args.Error(0)
}

func (m *MockVoucherRepository) ExpireDue(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockCustomerRepository struct {
	mock.Mock
}

func (m *MockCustomerRepository) GetByReference(ctx context.Context, organizationID, reference string) (*domain.Customer, error) {
	args := m.Called(ctx, organizationID, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockCustomerRepository) ExtendExpiry(ctx context.Context, q repository.Querier, id string, newExpiry time.Time) error {
	args := m.Called(ctx, q, id, newExpiry)
	return args.Error(0)
}

type MockPackageRepository struct {
	mock.Mock
}

func (m *MockPackageRepository) GetByID(ctx context.Context, id string) (*domain.Package, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Package), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

// fakeTxRunner runs the function directly, or short-circuits with err.
type fakeTxRunner struct {
	err error
}

func (f *fakeTxRunner) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

// --- Fixture ---

type settlementFixture struct {
	configRepo   *MockGatewayConfigRepository
	ledgerRepo   *MockLedgerRepository
	voucherRepo  *MockVoucherRepository
	customerRepo *MockCustomerRepository
	packageRepo  *MockPackageRepository
	publisher    *MockPublisher
	txRunner     *fakeTxRunner
	service      *SettlementService
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	f := &settlementFixture{
		configRepo:   new(MockGatewayConfigRepository),
		ledgerRepo:   new(MockLedgerRepository),
		voucherRepo:  new(MockVoucherRepository),
		customerRepo: new(MockCustomerRepository),
		packageRepo:  new(MockPackageRepository),
		publisher:    new(MockPublisher),
		txRunner:     &fakeTxRunner{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewSettlementService(
		f.configRepo, f.ledgerRepo, f.voucherRepo, f.customerRepo, f.packageRepo,
		f.txRunner, nil, NewSmsNotifier(f.publisher, "sms.outgoing.template", logger),
		time.Second, logger,
	)
	return f
}

func (f *settlementFixture) assertAll(t *testing.T) {
	t.Helper()
	f.configRepo.AssertExpectations(t)
	f.ledgerRepo.AssertExpectations(t)
	f.voucherRepo.AssertExpectations(t)
	f.customerRepo.AssertExpectations(t)
	f.packageRepo.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

// voucherID must parse as a UUID or the id lookup is skipped.
const voucherID = "7d5a0dd1-4f0a-4c3b-9b6e-0f4f1e2a8c53"

func monthlyPackage() *domain.Package {
	return &domain.Package{
		ID: "pkg-1", OrganizationID: "org-1", Name: "Home 10Mbps",
		PriceMinor: 150000, DurationValue: 30, DurationUnit: domain.DurationDays, IsActive: true,
	}
}

func pendingVoucher() *domain.HotspotVoucher {
	return &domain.HotspotVoucher{
		ID: voucherID, OrganizationID: "org-1", PackageID: "pkg-1",
		Code: "AB12CD34", Phone: "254712345678", AmountMinor: 150000,
		Status: domain.VoucherPending, PaymentReference: "ws_CO_191220191020363925",
	}
}

func kopoKopoBody(reference string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": {
			"type": "Buygoods Transaction",
			"resource": {
				"id": "cac95329-9fa5-42f1-a4fc-c08af7b868fb",
				"status": "Received",
				"amount": "1500.00",
				"reference": %q,
				"till_number": "K112233",
				"sender_phone_number": "254712345678"
			}
		}
	}`, reference))
}

const stkSuccessBody = `{
	"Body": {"stkCallback": {
		"CheckoutRequestID": "ws_CO_191220191020363925",
		"ResultCode": 0,
		"ResultDesc": "ok",
		"CallbackMetadata": {"Item": [
			{"Name": "Amount", "Value": 1500},
			{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
			{"Name": "PhoneNumber", "Value": 254712345678}
		]}
	}}
}`

const stkFailedBody = `{
	"Body": {"stkCallback": {
		"CheckoutRequestID": "ws_CO_191220191020363925",
		"ResultCode": 1032,
		"ResultDesc": "Request cancelled by user."
	}}
}`

const c2bBody = `{
	"TransID": "RKTQDM7W6S",
	"TransTime": "20240115143000",
	"TransAmount": "1500.00",
	"BusinessShortCode": "600638",
	"BillRefNumber": "ACC-001",
	"MSISDN": "254712345678"
}`

// --- Tests ---

func TestSettlementService_KopoKopo_ActivatesPendingVoucher(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", APIKey: "api-key", IsActive: true}
	body := kopoKopoBody(voucherID)
	signature := gateways.SignKopoKopoBody(body, cfg.APIKey)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-1"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayKopoKopo, "cac95329-9fa5-42f1-a4fc-c08af7b868fb").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByID", mock.Anything, voucherID).Return(pendingVoucher(), nil).Once()
	f.packageRepo.On("GetByID", mock.Anything, "pkg-1").Return(monthlyPackage(), nil).Once()
	f.voucherRepo.On("Activate", mock.Anything, mock.Anything, voucherID, mock.MatchedBy(func(expiresAt time.Time) bool {
		return expiresAt.After(time.Now().Add(29 * 24 * time.Hour))
	})).Return(nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-1",
		domain.SettlementSettled, domain.TargetVoucher, mock.Anything).Return(nil).Once()
	f.publisher.On("Publish", "sms.outgoing.template", mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessKopoKopo(context.Background(), body, signature)
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementSettled, outcome.Status)
	assert.Equal(t, domain.TargetVoucher, outcome.Target)
	assert.Equal(t, voucherID, outcome.EntityID)
	assert.False(t, outcome.Duplicate)
	f.assertAll(t)
}

func TestSettlementService_KopoKopo_BadSignatureRejectedBeforeLedger(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", APIKey: "api-key", IsActive: true}
	body := kopoKopoBody(voucherID)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").Return(cfg, nil).Once()

	_, err := f.service.ProcessKopoKopo(context.Background(), body, gateways.SignKopoKopoBody(body, "wrong-key"))
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))

	f.ledgerRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_KopoKopo_UnknownTillFailsClosed(t *testing.T) {
	f := newSettlementFixture(t)
	body := kopoKopoBody(voucherID)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").
		Return(nil, domain.ErrUnknownRoutingIdentifier).Once()

	_, err := f.service.ProcessKopoKopo(context.Background(), body, "any-signature")
	assert.True(t, errors.Is(err, domain.ErrUnknownRoutingIdentifier))
	f.ledgerRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_DuplicateDelivery_PriorSettlementStands(t *testing.T) {
	f := newSettlementFixture(t)
	entityID := voucherID
	prior := &domain.RawTransactionRecord{
		ID: "led-0", SettlementStatus: domain.SettlementSettled,
		SettlementTarget: domain.TargetVoucher, SettledEntityID: &entityID,
	}

	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-2"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaSTK, "NLJ7RT61SV").
		Return(prior, nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-2",
		domain.SettlementDuplicate, domain.TargetVoucher, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "", "")
	require.NoError(t, err)

	assert.True(t, outcome.Duplicate)
	assert.Equal(t, domain.SettlementDuplicate, outcome.Status)
	assert.Equal(t, voucherID, outcome.EntityID)

	// N deliveries leave N ledger rows but never a second activation.
	f.voucherRepo.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_FailedPaymentCancelsPendingVoucher(t *testing.T) {
	f := newSettlementFixture(t)

	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-3"}, nil).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ws_CO_191220191020363925").
		Return(pendingVoucher(), nil).Once()
	f.voucherRepo.On("Cancel", mock.Anything, mock.Anything, voucherID).Return(nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-3",
		domain.SettlementSettled, domain.TargetVoucher, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkFailedBody), "", "")
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementSettled, outcome.Status)
	f.voucherRepo.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_NonPendingVoucherTreatedAsDuplicate(t *testing.T) {
	f := newSettlementFixture(t)
	active := pendingVoucher()
	active.Status = domain.VoucherActive

	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-4"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaSTK, "NLJ7RT61SV").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ws_CO_191220191020363925").
		Return(active, nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-4",
		domain.SettlementDuplicate, domain.TargetVoucher, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "", "")
	require.NoError(t, err)

	assert.True(t, outcome.Duplicate)
	f.voucherRepo.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_CustomerRenewalStacksOnRemainingTime(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", IsActive: true}
	now := time.Now()
	customer := &domain.Customer{
		ID: "cust-1", OrganizationID: "org-1", Reference: "ACC-001",
		PackageID: "pkg-1", Phone: "254712345678",
		ExpiresAt: now.Add(10 * 24 * time.Hour),
	}

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaC2B, "600638").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-5"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaC2B, "RKTQDM7W6S").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ACC-001").Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByCode", mock.Anything, "ACC-001").Return(nil, domain.ErrNotFound).Once()
	f.customerRepo.On("GetByReference", mock.Anything, "org-1", "ACC-001").Return(customer, nil).Once()
	f.packageRepo.On("GetByID", mock.Anything, "pkg-1").Return(monthlyPackage(), nil).Once()

	// 10 days of paid time remain, so the new expiry must land near 40 days out.
	f.customerRepo.On("ExtendExpiry", mock.Anything, mock.Anything, "cust-1",
		mock.MatchedBy(func(newExpiry time.Time) bool {
			expected := now.Add(40 * 24 * time.Hour)
			diff := newExpiry.Sub(expected)
			return diff > -time.Minute && diff < time.Minute
		})).Return(nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-5",
		domain.SettlementSettled, domain.TargetCustomer, mock.Anything).Return(nil).Once()
	f.publisher.On("Publish", "sms.outgoing.template", mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaC2B(context.Background(), []byte(c2bBody), "")
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementSettled, outcome.Status)
	assert.Equal(t, domain.TargetCustomer, outcome.Target)
	assert.Equal(t, "cust-1", outcome.EntityID)
	f.assertAll(t)
}

func TestSettlementService_UnmatchedReferenceRecordedForReconciliation(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", IsActive: true}

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaC2B, "600638").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-6"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaC2B, "RKTQDM7W6S").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ACC-001").Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByCode", mock.Anything, "ACC-001").Return(nil, domain.ErrNotFound).Once()
	f.customerRepo.On("GetByReference", mock.Anything, "org-1", "ACC-001").Return(nil, domain.ErrNotFound).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-6",
		domain.SettlementUnmatched, domain.TargetNone, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaC2B(context.Background(), []byte(c2bBody), "")
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementUnmatched, outcome.Status)
	assert.Equal(t, domain.TargetNone, outcome.Target)
	f.assertAll(t)
}

func TestSettlementService_ActivationFailureFlagsLedgerButStillSucceeds(t *testing.T) {
	f := newSettlementFixture(t)
	f.txRunner.err = errors.New("connection reset")
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", APIKey: "api-key", IsActive: true}
	body := kopoKopoBody(voucherID)
	signature := gateways.SignKopoKopoBody(body, cfg.APIKey)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-7"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayKopoKopo, "cac95329-9fa5-42f1-a4fc-c08af7b868fb").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByID", mock.Anything, voucherID).Return(pendingVoucher(), nil).Once()
	f.packageRepo.On("GetByID", mock.Anything, "pkg-1").Return(monthlyPackage(), nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-7",
		domain.SettlementFailed, domain.TargetVoucher, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessKopoKopo(context.Background(), body, signature)
	require.NoError(t, err, "post-ledger settlement failure must not surface as a request error")

	assert.Equal(t, domain.SettlementFailed, outcome.Status)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_LedgerWriteFailureSurfacesPersistenceError(t *testing.T) {
	f := newSettlementFixture(t)
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused")).Times(3)

	_, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "", "")
	assert.True(t, errors.Is(err, domain.ErrPersistenceFailure))
	f.assertAll(t)
}

func TestSettlementService_SmsFailureDoesNotAffectOutcome(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", APIKey: "api-key", IsActive: true}
	body := kopoKopoBody(voucherID)
	signature := gateways.SignKopoKopoBody(body, cfg.APIKey)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-8"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayKopoKopo, "cac95329-9fa5-42f1-a4fc-c08af7b868fb").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByID", mock.Anything, voucherID).Return(pendingVoucher(), nil).Once()
	f.packageRepo.On("GetByID", mock.Anything, "pkg-1").Return(monthlyPackage(), nil).Once()
	f.voucherRepo.On("Activate", mock.Anything, mock.Anything, voucherID, mock.Anything).Return(nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-8",
		domain.SettlementSettled, domain.TargetVoucher, mock.Anything).Return(nil).Once()
	f.publisher.On("Publish", "sms.outgoing.template", mock.Anything).Return(errors.New("nats down")).Once()

	outcome, err := f.service.ProcessKopoKopo(context.Background(), body, signature)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, outcome.Status)
	f.assertAll(t)
}

func TestSettlementService_ValidateMpesaC2B(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaC2B, "600638").
			Return(&domain.GatewayConfiguration{OrganizationID: "org-1"}, nil).Once()

		result, err := f.service.ValidateMpesaC2B(context.Background(), []byte(c2bBody))
		require.NoError(t, err)
		assert.Equal(t, 0, result.ResultCode)
		f.assertAll(t)
	})

	t.Run("unknown shortcode rejected", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaC2B, "600638").
			Return(nil, domain.ErrUnknownRoutingIdentifier).Once()

		result, err := f.service.ValidateMpesaC2B(context.Background(), []byte(c2bBody))
		require.NoError(t, err)
		assert.Equal(t, 1, result.ResultCode)
		f.assertAll(t)
	})

	t.Run("missing required bill ref rejected", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaC2B, "600638").
			Return(&domain.GatewayConfiguration{OrganizationID: "org-1", BillRefRequired: true}, nil).Once()

		noBillRef := `{"TransID":"X1","TransTime":"20240115143000","TransAmount":"100","BusinessShortCode":"600638","MSISDN":"254712345678"}`
		result, err := f.service.ValidateMpesaC2B(context.Background(), []byte(noBillRef))
		require.NoError(t, err)
		assert.Equal(t, 1, result.ResultCode)
		f.assertAll(t)
	})
}

func TestSettlementService_MpesaTokenEnforcedWhenConfigured(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", CallbackToken: "cb-token", IsActive: true}

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayMpesaSTK, "174379").Return(cfg, nil).Twice()

	_, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "174379", "wrong")
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
	f.ledgerRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)

	// Correct token proceeds into processing.
	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-9"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaSTK, "NLJ7RT61SV").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ws_CO_191220191020363925").Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByCode", mock.Anything, "ws_CO_191220191020363925").Return(nil, domain.ErrNotFound).Once()
	f.customerRepo.On("GetByReference", mock.Anything, "org-1", "ws_CO_191220191020363925").Return(nil, domain.ErrNotFound).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-9",
		domain.SettlementUnmatched, domain.TargetNone, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "174379", "cb-token")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementUnmatched, outcome.Status)
	f.assertAll(t)
}

func TestSettlementService_VoucherLookupErrorFlagsLedger(t *testing.T) {
	f := newSettlementFixture(t)

	f.ledgerRepo.On("Create", mock.Anything, mock.Anything).
		Return(&domain.RawTransactionRecord{ID: "led-10"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayMpesaSTK, "NLJ7RT61SV").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByPaymentReference", mock.Anything, "ws_CO_191220191020363925").
		Return(nil, errors.New("connection reset")).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-10",
		domain.SettlementFailed, domain.TargetNone, mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessMpesaSTK(context.Background(), []byte(stkSuccessBody), "", "")
	require.NoError(t, err, "post-ledger lookup failure must not surface as a request error")

	// A transient lookup fault is not a missing match: the row goes to the
	// operator reconciliation queue instead of being filed as unmatched.
	assert.Equal(t, domain.SettlementFailed, outcome.Status)
	f.voucherRepo.AssertNotCalled(t, "GetByCode", mock.Anything, mock.Anything)
	f.voucherRepo.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.customerRepo.AssertNotCalled(t, "GetByReference", mock.Anything, mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestSettlementService_AmountMismatchStillActivatesVoucher(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := &domain.GatewayConfiguration{OrganizationID: "org-1", APIKey: "api-key", IsActive: true}

	// The package costs 1500.00 but the payer sent 1000.00. Gateways are the
	// source of truth for money received, so settlement proceeds regardless.
	body := []byte(fmt.Sprintf(`{
		"event": {
			"type": "Buygoods Transaction",
			"resource": {
				"id": "5f0c2d6e-9a31-4b1d-8f77-2c4f6f3a1b20",
				"status": "Received",
				"amount": "1000.00",
				"reference": %q,
				"till_number": "K112233",
				"sender_phone_number": "254712345678"
			}
		}
	}`, voucherID))
	signature := gateways.SignKopoKopoBody(body, cfg.APIKey)

	f.configRepo.On("GetActiveByRouting", mock.Anything, domain.GatewayKopoKopo, "K112233").Return(cfg, nil).Once()
	f.ledgerRepo.On("Create", mock.Anything, mock.MatchedBy(func(rec *domain.RawTransactionRecord) bool {
		return rec.AmountMinor == 100000
	})).Return(&domain.RawTransactionRecord{ID: "led-11"}, nil).Once()
	f.ledgerRepo.On("GetSettledByExternalID", mock.Anything, domain.GatewayKopoKopo, "5f0c2d6e-9a31-4b1d-8f77-2c4f6f3a1b20").
		Return(nil, domain.ErrNotFound).Once()
	f.voucherRepo.On("GetByID", mock.Anything, voucherID).Return(pendingVoucher(), nil).Once()
	f.packageRepo.On("GetByID", mock.Anything, "pkg-1").Return(monthlyPackage(), nil).Once()
	f.voucherRepo.On("Activate", mock.Anything, mock.Anything, voucherID, mock.Anything).Return(nil).Once()
	f.ledgerRepo.On("AttachSettlement", mock.Anything, mock.Anything, "led-11",
		domain.SettlementSettled, domain.TargetVoucher, mock.Anything).Return(nil).Once()
	f.publisher.On("Publish", "sms.outgoing.template", mock.Anything).Return(nil).Once()

	outcome, err := f.service.ProcessKopoKopo(context.Background(), body, signature)
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementSettled, outcome.Status)
	assert.Equal(t, domain.TargetVoucher, outcome.Target)
	assert.False(t, outcome.Duplicate)
	f.assertAll(t)
}
