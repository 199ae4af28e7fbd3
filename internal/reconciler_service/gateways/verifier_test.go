package gateways

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

func TestVerifyKopoKopoSignature(t *testing.T) {
	cfg := &domain.GatewayConfiguration{APIKey: "super-secret-api-key"}
	body := []byte(`{"event":{"resource":{"id":"abc","amount":"100","till_number":"K1"}}}`)
	signature := SignKopoKopoBody(body, cfg.APIKey)

	assert.NoError(t, VerifyKopoKopoSignature(body, signature, cfg))
}

func TestVerifyKopoKopoSignature_TamperedBody(t *testing.T) {
	cfg := &domain.GatewayConfiguration{APIKey: "super-secret-api-key"}
	body := []byte(`{"amount":"100"}`)
	signature := SignKopoKopoBody(body, cfg.APIKey)

	tampered := []byte(`{"amount":"10000"}`)
	err := VerifyKopoKopoSignature(tampered, signature, cfg)
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
}

func TestVerifyKopoKopoSignature_WrongKey(t *testing.T) {
	body := []byte(`{"amount":"100"}`)
	signature := SignKopoKopoBody(body, "attacker-key")

	err := VerifyKopoKopoSignature(body, signature, &domain.GatewayConfiguration{APIKey: "real-key"})
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
}

func TestVerifyKopoKopoSignature_MissingSignature(t *testing.T) {
	cfg := &domain.GatewayConfiguration{APIKey: "super-secret-api-key"}
	err := VerifyKopoKopoSignature([]byte(`{}`), "", cfg)
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
}

func TestVerifyKopoKopoSignature_NoAPIKeyFailsClosed(t *testing.T) {
	body := []byte(`{}`)
	err := VerifyKopoKopoSignature(body, SignKopoKopoBody(body, ""), &domain.GatewayConfiguration{})
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
}

func TestVerifyMpesaCallbackToken(t *testing.T) {
	noToken := &domain.GatewayConfiguration{}
	assert.NoError(t, VerifyMpesaCallbackToken("", noToken))
	assert.NoError(t, VerifyMpesaCallbackToken("anything", noToken))

	withToken := &domain.GatewayConfiguration{CallbackToken: "cb-token"}
	assert.NoError(t, VerifyMpesaCallbackToken("cb-token", withToken))

	err := VerifyMpesaCallbackToken("wrong", withToken)
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))

	err = VerifyMpesaCallbackToken("", withToken)
	assert.True(t, errors.Is(err, domain.ErrAuthenticityRejected))
}
