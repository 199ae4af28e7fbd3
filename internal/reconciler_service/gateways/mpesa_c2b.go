package gateways

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// C2BCallbackPayload is the Paybill confirmation (and validation) body.
// TransAmount arrives as a string ("1500.00") but some Daraja environments
// send a bare number, so it is kept raw and parsed with the shared helper.
type C2BCallbackPayload struct {
	TransactionType   string          `json:"TransactionType"`
	TransID           string          `json:"TransID" validate:"required"`
	TransTime         string          `json:"TransTime" validate:"required"`
	TransAmount       json.RawMessage `json:"TransAmount" validate:"required"`
	BusinessShortCode string          `json:"BusinessShortCode" validate:"required"`
	BillRefNumber     string          `json:"BillRefNumber"`
	InvoiceNumber     string          `json:"InvoiceNumber"`
	MSISDN            string          `json:"MSISDN" validate:"required"`
	FirstName         string          `json:"FirstName"`
	MiddleName        string          `json:"MiddleName"`
	LastName          string          `json:"LastName"`
}

type MpesaC2BNormalizer struct {
	logger   *slog.Logger
	validate *validator.Validate
}

func NewMpesaC2BNormalizer(logger *slog.Logger) *MpesaC2BNormalizer {
	return &MpesaC2BNormalizer{
		logger:   logger.With("normalizer", "mpesa_c2b"),
		validate: validator.New(),
	}
}

func (n *MpesaC2BNormalizer) Gateway() domain.GatewayType { return domain.GatewayMpesaC2B }

// ParsePayload decodes and validates the C2B body without normalizing; the
// validation hook needs the fields but not the canonical tuple.
func (n *MpesaC2BNormalizer) ParsePayload(rawPayload []byte) (*C2BCallbackPayload, error) {
	var payload C2BCallbackPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if err := n.validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return &payload, nil
}

func (n *MpesaC2BNormalizer) Normalize(rawPayload []byte) (*domain.NormalizedTransaction, error) {
	payload, err := n.ParsePayload(rawPayload)
	if err != nil {
		return nil, err
	}

	var amountValue interface{}
	var amountStr string
	if err := json.Unmarshal(payload.TransAmount, &amountStr); err == nil {
		amountValue = amountStr
	} else {
		var amountNum float64
		if err := json.Unmarshal(payload.TransAmount, &amountNum); err != nil {
			return nil, fmt.Errorf("%w: TransAmount is neither string nor number", domain.ErrMalformedPayload)
		}
		amountValue = amountNum
	}
	minor, err := parseAmountMinor(amountValue)
	if err != nil {
		return nil, err
	}

	phone := normalizePhone(payload.MSISDN)
	if phone == "" {
		n.logger.Warn("C2B confirmation missing MSISDN, storing empty phone", "trans_id", payload.TransID)
	}

	return &domain.NormalizedTransaction{
		Gateway:           domain.GatewayMpesaC2B,
		ExternalID:        strings.TrimSpace(payload.TransID),
		AmountMinor:       minor,
		PayerPhone:        phone,
		Reference:         strings.TrimSpace(payload.BillRefNumber),
		RoutingIdentifier: strings.TrimSpace(payload.BusinessShortCode),
		OccurredAt:        n.parseTransTime(payload.TransTime, payload.TransID),
		StatusRaw:         "Completed",
		// C2B confirmations are only sent for money actually received.
		Succeeded: true,
	}, nil
}

// parseTransTime parses the compact YYYYMMDDHHMMSS format by fixed-offset
// substring extraction. The local zone is used because Daraja timestamps are
// Nairobi wall-clock time. Falls back to now with a logged warning, never
// silently.
func (n *MpesaC2BNormalizer) parseTransTime(transTime, transID string) time.Time {
	s := strings.TrimSpace(transTime)
	if len(s) == 14 {
		year, err1 := strconv.Atoi(s[0:4])
		month, err2 := strconv.Atoi(s[4:6])
		day, err3 := strconv.Atoi(s[6:8])
		hour, err4 := strconv.Atoi(s[8:10])
		minute, err5 := strconv.Atoi(s[10:12])
		sec, err6 := strconv.Atoi(s[12:14])
		if err1 == nil && err2 == nil && err3 == nil && err4 == nil && err5 == nil && err6 == nil &&
			month >= 1 && month <= 12 && day >= 1 && day <= 31 &&
			hour <= 23 && minute <= 59 && sec <= 59 {
			return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.Local)
		}
	}
	n.logger.Warn("unparseable TransTime, falling back to current time",
		"trans_time", transTime, "trans_id", transID)
	return time.Now()
}
