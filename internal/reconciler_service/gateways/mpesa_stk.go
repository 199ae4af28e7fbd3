package gateways

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// STKCallbackPayload is the M-Pesa STK push result body.
type STKCallbackPayload struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type MpesaSTKNormalizer struct {
	logger *slog.Logger
}

func NewMpesaSTKNormalizer(logger *slog.Logger) *MpesaSTKNormalizer {
	return &MpesaSTKNormalizer{logger: logger.With("normalizer", "mpesa_stk")}
}

func (n *MpesaSTKNormalizer) Gateway() domain.GatewayType { return domain.GatewayMpesaSTK }

func (n *MpesaSTKNormalizer) Normalize(rawPayload []byte) (*domain.NormalizedTransaction, error) {
	var payload STKCallbackPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	cb := payload.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", domain.ErrMalformedPayload)
	}

	// The STK result body does not repeat the shortcode the callback URL was
	// registered for; the caller fills RoutingIdentifier when it knows it.
	tx := &domain.NormalizedTransaction{
		Gateway:    domain.GatewayMpesaSTK,
		Reference:  cb.CheckoutRequestID,
		OccurredAt: time.Now(),
		StatusRaw:  fmt.Sprintf("%d:%s", cb.ResultCode, cb.ResultDesc),
		Succeeded:  cb.ResultCode == 0,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			minor, err := parseAmountMinor(item.Value)
			if err != nil {
				return nil, err
			}
			tx.AmountMinor = minor
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				tx.ExternalID = v
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case string:
				tx.PayerPhone = normalizePhone(v)
			case float64:
				tx.PayerPhone = normalizePhone(fmt.Sprintf("%.0f", v))
			}
		case "AccountReference":
			if v, ok := item.Value.(string); ok && v != "" {
				tx.Reference = v
			}
		}
	}

	// Failed STK pushes carry no receipt; the checkout id is the only stable
	// identifier for the attempt.
	if tx.ExternalID == "" {
		if tx.Succeeded {
			return nil, fmt.Errorf("%w: successful result without MpesaReceiptNumber", domain.ErrMalformedPayload)
		}
		tx.ExternalID = cb.CheckoutRequestID
	}

	if tx.Succeeded && tx.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: successful result without usable Amount", domain.ErrMalformedPayload)
	}
	if tx.PayerPhone == "" {
		n.logger.Warn("STK callback missing PhoneNumber, storing empty phone",
			"checkout_request_id", cb.CheckoutRequestID)
	}

	return tx, nil
}
