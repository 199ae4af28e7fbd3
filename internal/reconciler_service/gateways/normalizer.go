// Package gateways parses and authenticates the callback payloads of the
// supported mobile-money providers, normalizing them into
// domain.NormalizedTransaction.
package gateways

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// Normalizer transforms one gateway's raw payload into the canonical tuple.
// Implementations are pure apart from the logged TransTime fallback.
type Normalizer interface {
	Gateway() domain.GatewayType
	Normalize(rawPayload []byte) (*domain.NormalizedTransaction, error)
}

// parseAmountMinor accepts the amount representations seen across gateway
// payloads (JSON number, "1500", "1500.00") and converts to minor units.
// NaN and non-positive values are rejected.
func parseAmountMinor(value interface{}) (int64, error) {
	var d decimal.Decimal
	var err error

	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("%w: empty amount", domain.ErrMalformedPayload)
		}
		d, err = decimal.NewFromString(s)
		if err != nil {
			return 0, fmt.Errorf("%w: amount %q: %v", domain.ErrMalformedPayload, v, err)
		}
	case float64:
		d = decimal.NewFromFloat(v)
	case int64:
		d = decimal.NewFromInt(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	default:
		return 0, fmt.Errorf("%w: unsupported amount type %T", domain.ErrMalformedPayload, value)
	}

	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", domain.ErrMalformedPayload, d)
	}
	return d.Shift(2).Truncate(0).IntPart(), nil
}

// normalizePhone strips whitespace and a leading "+". Kenyan MSISDNs arrive
// as 2547XXXXXXXX, +2547XXXXXXXX or 07XXXXXXXX; storage keeps the 254 form
// when recognizable.
func normalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "07") && len(p) == 10 {
		p = "254" + p[1:]
	}
	return p
}
