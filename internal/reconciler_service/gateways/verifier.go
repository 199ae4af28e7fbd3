package gateways

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// SignatureHeader is the header KopoKopo signs its webhooks with.
const SignatureHeader = "X-KopoKopo-Signature"

// VerifyKopoKopoSignature checks the HMAC-SHA256 of the exact raw request
// body against the signature header, keyed with the organization's API key.
// The caller must have resolved the configuration from the payload's till
// number first; if no configuration exists the request fails closed before
// any HMAC is computed.
func VerifyKopoKopoSignature(rawBody []byte, signature string, cfg *domain.GatewayConfiguration) error {
	if cfg == nil || cfg.APIKey == "" {
		return fmt.Errorf("%w: no API key configured", domain.ErrAuthenticityRejected)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrAuthenticityRejected, SignatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(cfg.APIKey))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrAuthenticityRejected)
	}
	return nil
}

// VerifyMpesaCallbackToken is the optional hardening layer for M-Pesa
// callbacks. Safaricom signs nothing per request; authenticity rests on
// required-field validation plus the callback URL being unguessable, which
// is a materially weaker trust model than KopoKopo's HMAC. Organizations
// that configure a callback token additionally require it as a ?token=
// query parameter.
func VerifyMpesaCallbackToken(token string, cfg *domain.GatewayConfiguration) error {
	if cfg == nil || cfg.CallbackToken == "" {
		// No token configured: endpoint secrecy is the whole trust model.
		return nil
	}
	if !hmac.Equal([]byte(cfg.CallbackToken), []byte(token)) {
		return fmt.Errorf("%w: callback token mismatch", domain.ErrAuthenticityRejected)
	}
	return nil
}

// SignKopoKopoBody computes the signature KopoKopo would send for a body.
// Used by tests and by operators replaying captured payloads.
func SignKopoKopoBody(rawBody []byte, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
