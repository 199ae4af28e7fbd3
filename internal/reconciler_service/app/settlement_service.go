package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/gateways"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

const (
	ledgerWriteAttempts = 3
	ledgerRetryBackoff  = 150 * time.Millisecond
)

// SettlementService is the reconciliation engine: it verifies an inbound
// gateway notification, normalizes it, appends it to the ledger and applies
// exactly one settlement action, either voucher activation or customer
// expiry crediting. It is a stateless coordinator invoked once per notification;
// all cross-delivery serialization happens through database constraints, not
// in-process locks, because handlers run across multiple instances.
type SettlementService struct {
	configRepo   repository.GatewayConfigRepository
	ledgerRepo   repository.LedgerRepository
	voucherRepo  repository.VoucherRepository
	customerRepo repository.CustomerRepository
	packageRepo  repository.PackageRepository
	txRunner     repository.TxRunner

	// db is the non-transactional Querier used for ledger updates that must
	// survive even when the settlement transaction rolls back.
	db repository.Querier

	sms    *SmsNotifier
	logger *slog.Logger

	// timeout bounds every downstream stage so a slow dependency cannot
	// outlive the gateway's own retry window.
	timeout time.Duration

	stkNormalizer  *gateways.MpesaSTKNormalizer
	c2bNormalizer  *gateways.MpesaC2BNormalizer
	kopoNormalizer *gateways.KopoKopoNormalizer
}

func NewSettlementService(
	configRepo repository.GatewayConfigRepository,
	ledgerRepo repository.LedgerRepository,
	voucherRepo repository.VoucherRepository,
	customerRepo repository.CustomerRepository,
	packageRepo repository.PackageRepository,
	txRunner repository.TxRunner,
	db repository.Querier,
	sms *SmsNotifier,
	timeout time.Duration,
	logger *slog.Logger,
) *SettlementService {
	l := logger.With("service", "settlement")
	return &SettlementService{
		configRepo:     configRepo,
		ledgerRepo:     ledgerRepo,
		voucherRepo:    voucherRepo,
		customerRepo:   customerRepo,
		packageRepo:    packageRepo,
		txRunner:       txRunner,
		db:             db,
		sms:            sms,
		logger:         l,
		timeout:        timeout,
		stkNormalizer:  gateways.NewMpesaSTKNormalizer(l),
		c2bNormalizer:  gateways.NewMpesaC2BNormalizer(l),
		kopoNormalizer: gateways.NewKopoKopoNormalizer(l),
	}
}

// ProcessKopoKopo handles an Incoming Payment webhook. The till number is
// extracted from the payload first, since it selects the configuration that
// holds the HMAC key; unknown tills fail closed before any HMAC work.
func (s *SettlementService) ProcessKopoKopo(ctx context.Context, rawBody []byte, signature string) (*domain.SettlementOutcome, error) {
	timer := s.startTimer(domain.GatewayKopoKopo)
	defer timer()

	till, err := gateways.ExtractTillNumber(rawBody)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayKopoKopo), "rejected_payload").Inc()
		return nil, err
	}

	cfg, err := s.lookupConfig(ctx, domain.GatewayKopoKopo, till)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayKopoKopo), "unknown_routing").Inc()
		return nil, err
	}

	if err := gateways.VerifyKopoKopoSignature(rawBody, signature, cfg); err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayKopoKopo), "rejected_auth").Inc()
		s.logger.WarnContext(ctx, "KopoKopo signature rejected", "till", till, "error", err)
		return nil, err
	}

	tx, err := s.kopoNormalizer.Normalize(rawBody)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayKopoKopo), "rejected_payload").Inc()
		return nil, err
	}

	return s.settle(ctx, cfg, tx, rawBody)
}

// ProcessMpesaSTK handles an STK push result. The optional shortcode query
// parameter resolves the organization configuration; the optional token is
// checked against it when configured.
func (s *SettlementService) ProcessMpesaSTK(ctx context.Context, rawBody []byte, shortcode, token string) (*domain.SettlementOutcome, error) {
	timer := s.startTimer(domain.GatewayMpesaSTK)
	defer timer()

	var cfg *domain.GatewayConfiguration
	if shortcode != "" {
		var err error
		cfg, err = s.lookupConfig(ctx, domain.GatewayMpesaSTK, shortcode)
		if err != nil {
			callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaSTK), "unknown_routing").Inc()
			return nil, err
		}
		if err := gateways.VerifyMpesaCallbackToken(token, cfg); err != nil {
			callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaSTK), "rejected_auth").Inc()
			return nil, err
		}
	}

	tx, err := s.stkNormalizer.Normalize(rawBody)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaSTK), "rejected_payload").Inc()
		return nil, err
	}
	tx.RoutingIdentifier = shortcode

	return s.settle(ctx, cfg, tx, rawBody)
}

// ProcessMpesaC2B handles a Paybill confirmation. The shortcode comes from
// the payload itself.
func (s *SettlementService) ProcessMpesaC2B(ctx context.Context, rawBody []byte, token string) (*domain.SettlementOutcome, error) {
	timer := s.startTimer(domain.GatewayMpesaC2B)
	defer timer()

	tx, err := s.c2bNormalizer.Normalize(rawBody)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaC2B), "rejected_payload").Inc()
		return nil, err
	}

	cfg, err := s.lookupConfig(ctx, domain.GatewayMpesaC2B, tx.RoutingIdentifier)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaC2B), "unknown_routing").Inc()
		return nil, err
	}

	if err := gateways.VerifyMpesaCallbackToken(token, cfg); err != nil {
		callbacksReceivedCounter.WithLabelValues(string(domain.GatewayMpesaC2B), "rejected_auth").Inc()
		return nil, err
	}

	return s.settle(ctx, cfg, tx, rawBody)
}

// C2BValidationResult is the synchronous answer the validation hook sends
// back to Safaricom before it confirms the pending payment.
type C2BValidationResult struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// ValidateMpesaC2B applies the organization's acceptance rules to a pending
// C2B payment. It never writes anything; only the confirmation does.
func (s *SettlementService) ValidateMpesaC2B(ctx context.Context, rawBody []byte) (*C2BValidationResult, error) {
	payload, err := s.c2bNormalizer.ParsePayload(rawBody)
	if err != nil {
		return nil, err
	}

	cfg, err := s.lookupConfig(ctx, domain.GatewayMpesaC2B, payload.BusinessShortCode)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownRoutingIdentifier) {
			return &C2BValidationResult{ResultCode: 1, ResultDesc: "Unknown ShortCode"}, nil
		}
		return nil, err
	}

	if cfg.BillRefRequired && payload.BillRefNumber == "" {
		return &C2BValidationResult{ResultCode: 1, ResultDesc: "BillRef required"}, nil
	}
	return &C2BValidationResult{ResultCode: 0, ResultDesc: "Accepted"}, nil
}

// ListFailedSettlements exposes the operator reconciliation queue: ledger
// rows whose downstream credit failed after a successful write.
func (s *SettlementService) ListFailedSettlements(ctx context.Context, limit int) ([]domain.RawTransactionRecord, error) {
	return s.ledgerRepo.ListFailedSettlements(ctx, limit)
}

// settle runs the verified, normalized transaction through ledger write,
// duplicate detection, reference resolution and exactly one settlement
// action. Past the ledger write it never returns an error that would turn
// into a non-2xx: a gateway retry cannot fix an internal settlement bug,
// only flood the ledger.
func (s *SettlementService) settle(ctx context.Context, cfg *domain.GatewayConfiguration, tx *domain.NormalizedTransaction, rawBody []byte) (*domain.SettlementOutcome, error) {
	logger := s.logger.With("gateway", tx.Gateway, "external_id", tx.ExternalID)

	rec, err := s.writeLedger(ctx, tx, rawBody)
	if err != nil {
		callbacksReceivedCounter.WithLabelValues(string(tx.Gateway), "persistence_error").Inc()
		logger.ErrorContext(ctx, "ledger write failed after retries, surfacing 5xx so the gateway retries", "error", err)
		return nil, err
	}
	callbacksReceivedCounter.WithLabelValues(string(tx.Gateway), "accepted").Inc()

	// Fast path for redelivery: a prior successfully settled record for the
	// same (gateway, external id) means no-op, return the prior outcome.
	if tx.Succeeded {
		prior, err := s.priorSettled(ctx, tx)
		if err == nil && prior != nil {
			s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, prior.SettlementTarget, prior.SettledEntityID)
			settlementsCounter.WithLabelValues(string(prior.SettlementTarget), "duplicate").Inc()
			logger.InfoContext(ctx, "duplicate delivery, prior settlement stands", "prior_ledger_id", prior.ID)
			return duplicateOutcome(rec.ID, prior), nil
		}
	}

	voucher, lookupErr := s.resolveVoucher(ctx, tx.Reference)
	if lookupErr != nil {
		return s.markFailed(ctx, logger, rec, domain.TargetNone, fmt.Errorf("voucher lookup: %w", lookupErr)), nil
	}
	if voucher != nil {
		return s.settleVoucher(ctx, logger, rec, tx, voucher)
	}

	if cfg != nil && tx.Reference != "" {
		customer, err := s.lookupCustomer(ctx, cfg.OrganizationID, tx.Reference)
		if err == nil {
			return s.settleCustomer(ctx, logger, rec, tx, customer)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return s.markFailed(ctx, logger, rec, domain.TargetCustomer, err), nil
		}
	}

	s.markLedger(ctx, rec.ID, domain.SettlementUnmatched, domain.TargetNone, nil)
	settlementsCounter.WithLabelValues(string(domain.TargetNone), "unmatched").Inc()
	logger.WarnContext(ctx, "transaction matched no voucher or customer, recorded for manual reconciliation",
		"reference", tx.Reference)
	return &domain.SettlementOutcome{
		LedgerID: rec.ID,
		Target:   domain.TargetNone,
		Status:   domain.SettlementUnmatched,
	}, nil
}

func (s *SettlementService) settleVoucher(ctx context.Context, logger *slog.Logger, rec *domain.RawTransactionRecord, tx *domain.NormalizedTransaction, voucher *domain.HotspotVoucher) (*domain.SettlementOutcome, error) {
	entityID := voucher.ID

	if !tx.Succeeded {
		// Failed payment for a PENDING voucher cancels it; anything else is
		// a duplicate-style no-op with only the ledger entry.
		if voucher.Status != domain.VoucherPending {
			s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, domain.TargetVoucher, &entityID)
			settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "duplicate").Inc()
			return &domain.SettlementOutcome{
				LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
				Status: domain.SettlementDuplicate, Duplicate: true,
			}, nil
		}

		err := s.withinTimeout(ctx, func(ctx context.Context) error {
			return s.txRunner.WithinTx(ctx, func(q repository.Querier) error {
				if err := s.voucherRepo.Cancel(ctx, q, voucher.ID); err != nil {
					return err
				}
				return s.ledgerRepo.AttachSettlement(ctx, q, rec.ID, domain.SettlementSettled, domain.TargetVoucher, &entityID)
			})
		})
		if err != nil {
			if errors.Is(err, domain.ErrVoucherTerminal) {
				s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, domain.TargetVoucher, &entityID)
				settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "duplicate").Inc()
				return &domain.SettlementOutcome{
					LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
					Status: domain.SettlementDuplicate, Duplicate: true,
				}, nil
			}
			return s.markFailed(ctx, logger, rec, domain.TargetVoucher, err), nil
		}

		settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "settled").Inc()
		logger.InfoContext(ctx, "voucher cancelled on failed payment", "voucher_id", voucher.ID)
		return &domain.SettlementOutcome{
			LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
			Status: domain.SettlementSettled,
		}, nil
	}

	if voucher.Status != domain.VoucherPending {
		// Already ACTIVE or terminal: the primary idempotency guarantee
		// against gateway retries. Ledger entry only, no state change.
		s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, domain.TargetVoucher, &entityID)
		settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "duplicate").Inc()
		logger.InfoContext(ctx, "payment for non-PENDING voucher treated as duplicate",
			"voucher_id", voucher.ID, "voucher_status", voucher.Status)
		return &domain.SettlementOutcome{
			LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
			Status: domain.SettlementDuplicate, Duplicate: true,
		}, nil
	}

	pkg, err := s.lookupPackage(ctx, voucher.PackageID)
	if err != nil {
		return s.markFailed(ctx, logger, rec, domain.TargetVoucher, fmt.Errorf("package lookup: %w", err)), nil
	}
	s.checkAmount(ctx, logger, tx, pkg)

	entitlement, err := pkg.Entitlement()
	if err != nil {
		return s.markFailed(ctx, logger, rec, domain.TargetVoucher, err), nil
	}
	expiresAt := time.Now().Add(entitlement)

	err = s.withinTimeout(ctx, func(ctx context.Context) error {
		return s.txRunner.WithinTx(ctx, func(q repository.Querier) error {
			if err := s.voucherRepo.Activate(ctx, q, voucher.ID, expiresAt); err != nil {
				return err
			}
			return s.ledgerRepo.AttachSettlement(ctx, q, rec.ID, domain.SettlementSettled, domain.TargetVoucher, &entityID)
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrVoucherTerminal) || errors.Is(err, domain.ErrDuplicateTransaction) {
			// Lost the race to a concurrent delivery; observe its outcome.
			s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, domain.TargetVoucher, &entityID)
			settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "duplicate").Inc()
			return &domain.SettlementOutcome{
				LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
				Status: domain.SettlementDuplicate, Duplicate: true,
			}, nil
		}
		return s.markFailed(ctx, logger, rec, domain.TargetVoucher, err), nil
	}

	settlementsCounter.WithLabelValues(string(domain.TargetVoucher), "settled").Inc()
	logger.InfoContext(ctx, "voucher activated", "voucher_id", voucher.ID, "expires_at", expiresAt)

	phone := voucher.Phone
	if phone == "" {
		phone = tx.PayerPhone
	}
	s.sms.NotifyVoucherActivated(ctx, phone, voucher.Code, expiresAt)

	return &domain.SettlementOutcome{
		LedgerID: rec.ID, Target: domain.TargetVoucher, EntityID: entityID,
		Status: domain.SettlementSettled,
	}, nil
}

func (s *SettlementService) settleCustomer(ctx context.Context, logger *slog.Logger, rec *domain.RawTransactionRecord, tx *domain.NormalizedTransaction, customer *domain.Customer) (*domain.SettlementOutcome, error) {
	entityID := customer.ID

	if !tx.Succeeded {
		// A failed payment credits nothing; the ledger entry is the record.
		s.markLedger(ctx, rec.ID, domain.SettlementSettled, domain.TargetCustomer, &entityID)
		settlementsCounter.WithLabelValues(string(domain.TargetCustomer), "settled").Inc()
		return &domain.SettlementOutcome{
			LedgerID: rec.ID, Target: domain.TargetCustomer, EntityID: entityID,
			Status: domain.SettlementSettled,
		}, nil
	}

	pkg, err := s.lookupPackage(ctx, customer.PackageID)
	if err != nil {
		return s.markFailed(ctx, logger, rec, domain.TargetCustomer, fmt.Errorf("package lookup: %w", err)), nil
	}
	s.checkAmount(ctx, logger, tx, pkg)

	entitlement, err := pkg.Entitlement()
	if err != nil {
		return s.markFailed(ctx, logger, rec, domain.TargetCustomer, err), nil
	}
	newExpiry := customer.NextExpiry(time.Now(), entitlement)

	err = s.withinTimeout(ctx, func(ctx context.Context) error {
		return s.txRunner.WithinTx(ctx, func(q repository.Querier) error {
			if err := s.customerRepo.ExtendExpiry(ctx, q, customer.ID, newExpiry); err != nil {
				return err
			}
			return s.ledgerRepo.AttachSettlement(ctx, q, rec.ID, domain.SettlementSettled, domain.TargetCustomer, &entityID)
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			s.markLedger(ctx, rec.ID, domain.SettlementDuplicate, domain.TargetCustomer, &entityID)
			settlementsCounter.WithLabelValues(string(domain.TargetCustomer), "duplicate").Inc()
			return &domain.SettlementOutcome{
				LedgerID: rec.ID, Target: domain.TargetCustomer, EntityID: entityID,
				Status: domain.SettlementDuplicate, Duplicate: true,
			}, nil
		}
		return s.markFailed(ctx, logger, rec, domain.TargetCustomer, err), nil
	}

	settlementsCounter.WithLabelValues(string(domain.TargetCustomer), "settled").Inc()
	logger.InfoContext(ctx, "customer expiry extended",
		"customer_id", customer.ID, "reference", customer.Reference, "new_expiry", newExpiry)

	phone := customer.Phone
	if phone == "" {
		phone = tx.PayerPhone
	}
	s.sms.NotifyRenewalConfirmed(ctx, phone, customer.Reference, newExpiry)

	return &domain.SettlementOutcome{
		LedgerID: rec.ID, Target: domain.TargetCustomer, EntityID: entityID,
		Status: domain.SettlementSettled,
	}, nil
}

// writeLedger appends the record, retrying a small bounded number of times.
func (s *SettlementService) writeLedger(ctx context.Context, tx *domain.NormalizedTransaction, rawBody []byte) (*domain.RawTransactionRecord, error) {
	rec := &domain.RawTransactionRecord{
		Gateway:           tx.Gateway,
		ExternalID:        tx.ExternalID,
		AmountMinor:       tx.AmountMinor,
		PayerPhone:        tx.PayerPhone,
		Reference:         tx.Reference,
		RoutingIdentifier: tx.RoutingIdentifier,
		OccurredAt:        tx.OccurredAt,
		StatusRaw:         tx.StatusRaw,
		Succeeded:         tx.Succeeded,
		RawPayload:        rawBody,
	}

	var lastErr error
	for attempt := 0; attempt < ledgerWriteAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, ctx.Err())
			case <-time.After(ledgerRetryBackoff):
			}
		}
		var created *domain.RawTransactionRecord
		err := s.withinTimeout(ctx, func(ctx context.Context) error {
			var err error
			created, err = s.ledgerRepo.Create(ctx, rec)
			return err
		})
		if err == nil {
			return created, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "ledger write attempt failed",
			"attempt", attempt+1, "external_id", tx.ExternalID, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, lastErr)
}

func (s *SettlementService) priorSettled(ctx context.Context, tx *domain.NormalizedTransaction) (*domain.RawTransactionRecord, error) {
	var prior *domain.RawTransactionRecord
	err := s.withinTimeout(ctx, func(ctx context.Context) error {
		var err error
		prior, err = s.ledgerRepo.GetSettledByExternalID(ctx, tx.Gateway, tx.ExternalID)
		return err
	})
	return prior, err
}

// resolveVoucher looks the reference up in priority order: voucher id,
// payment reference, voucher code. Vouchers are more specific than customer
// references, so a voucher match always wins. A miss on one lookup falls
// through to the next; any other repository error aborts resolution so the
// caller flags the ledger row instead of filing the payment as unmatched.
func (s *SettlementService) resolveVoucher(ctx context.Context, reference string) (*domain.HotspotVoucher, error) {
	if reference == "" {
		return nil, nil
	}
	lookups := []func(context.Context, string) (*domain.HotspotVoucher, error){
		s.voucherRepo.GetByPaymentReference,
		s.voucherRepo.GetByCode,
	}
	// The id column is a UUID; paybill account numbers and customer
	// references would error at the database instead of missing, so only
	// parseable ids reach GetByID.
	if _, err := uuid.Parse(reference); err == nil {
		lookups = append([]func(context.Context, string) (*domain.HotspotVoucher, error){s.voucherRepo.GetByID}, lookups...)
	}
	for _, lookup := range lookups {
		var voucher *domain.HotspotVoucher
		err := s.withinTimeout(ctx, func(ctx context.Context) error {
			var err error
			voucher, err = lookup(ctx, reference)
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if voucher != nil {
			return voucher, nil
		}
	}
	return nil, nil
}

func (s *SettlementService) lookupCustomer(ctx context.Context, organizationID, reference string) (*domain.Customer, error) {
	var customer *domain.Customer
	err := s.withinTimeout(ctx, func(ctx context.Context) error {
		var err error
		customer, err = s.customerRepo.GetByReference(ctx, organizationID, reference)
		return err
	})
	return customer, err
}

func (s *SettlementService) lookupPackage(ctx context.Context, id string) (*domain.Package, error) {
	var pkg *domain.Package
	err := s.withinTimeout(ctx, func(ctx context.Context) error {
		var err error
		pkg, err = s.packageRepo.GetByID(ctx, id)
		return err
	})
	return pkg, err
}

func (s *SettlementService) lookupConfig(ctx context.Context, gateway domain.GatewayType, routing string) (*domain.GatewayConfiguration, error) {
	var cfg *domain.GatewayConfiguration
	err := s.withinTimeout(ctx, func(ctx context.Context) error {
		var err error
		cfg, err = s.configRepo.GetActiveByRouting(ctx, gateway, routing)
		return err
	})
	return cfg, err
}

// checkAmount logs, never rejects: gateways are the source of truth for
// money received, so over/underpayment settles anyway.
func (s *SettlementService) checkAmount(ctx context.Context, logger *slog.Logger, tx *domain.NormalizedTransaction, pkg *domain.Package) {
	if tx.AmountMinor != pkg.PriceMinor {
		logger.WarnContext(ctx, "amount does not match package price, settling anyway",
			"amount_minor", tx.AmountMinor, "price_minor", pkg.PriceMinor, "package_id", pkg.ID)
	}
}

// markFailed flags the ledger row for operator reconciliation. The request
// still succeeds: the ledger write already happened, and a gateway retry
// cannot fix an internal fault.
func (s *SettlementService) markFailed(ctx context.Context, logger *slog.Logger, rec *domain.RawTransactionRecord, target domain.SettlementTarget, cause error) *domain.SettlementOutcome {
	logger.ErrorContext(ctx, "settlement failed after ledger write, flagged for manual reconciliation",
		"ledger_id", rec.ID, "target", target, "error", cause)
	s.markLedger(ctx, rec.ID, domain.SettlementFailed, target, nil)
	settlementsCounter.WithLabelValues(string(target), "failed").Inc()
	return &domain.SettlementOutcome{
		LedgerID: rec.ID,
		Target:   target,
		Status:   domain.SettlementFailed,
	}
}

// markLedger attaches a settlement status outside any transaction; failures
// here are logged but cannot affect the response.
func (s *SettlementService) markLedger(ctx context.Context, id string, status domain.SettlementStatus, target domain.SettlementTarget, entityID *string) {
	err := s.withinTimeout(ctx, func(ctx context.Context) error {
		return s.ledgerRepo.AttachSettlement(ctx, s.db, id, status, target, entityID)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark ledger settlement status",
			"ledger_id", id, "status", status, "error", err)
	}
}

func (s *SettlementService) withinTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

func (s *SettlementService) startTimer(gateway domain.GatewayType) func() {
	start := time.Now()
	return func() {
		callbackProcessingDurationHist.WithLabelValues(string(gateway)).Observe(time.Since(start).Seconds())
	}
}

func duplicateOutcome(ledgerID string, prior *domain.RawTransactionRecord) *domain.SettlementOutcome {
	outcome := &domain.SettlementOutcome{
		LedgerID:  ledgerID,
		Target:    prior.SettlementTarget,
		Status:    domain.SettlementDuplicate,
		Duplicate: true,
	}
	if prior.SettledEntityID != nil {
		outcome.EntityID = *prior.SettledEntityID
	}
	return outcome
}
