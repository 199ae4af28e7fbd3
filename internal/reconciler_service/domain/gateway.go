package domain

import (
	"time"
)

// GatewayType identifies which payment gateway a callback or record belongs to.
type GatewayType string

const (
	GatewayMpesaSTK GatewayType = "mpesa_stk"
	GatewayMpesaC2B GatewayType = "mpesa_c2b"
	GatewayKopoKopo GatewayType = "kopokopo"
)

// GatewayConfiguration holds per-organization credentials for one gateway.
// Exactly one active configuration exists per (organization, gateway,
// routing identifier) triple; rows are never deleted while transactions
// reference them.
type GatewayConfiguration struct {
	ID             string      `json:"id"` // UUID
	OrganizationID string      `json:"organization_id"`
	Gateway        GatewayType `json:"gateway"`

	// RoutingIdentifier is the till number or business shortcode callbacks
	// carry, used to resolve this configuration before verification.
	RoutingIdentifier string `json:"routing_identifier"`

	// APIKey is the HMAC key for KopoKopo. Empty for M-Pesa, which has no
	// per-request signature.
	APIKey string `json:"-"`

	// CallbackToken, when set, must match the ?token= query parameter on
	// M-Pesa callbacks. Optional hardening on top of endpoint secrecy.
	CallbackToken string `json:"-"`

	// BillRefRequired makes the C2B validation hook reject paybill payments
	// with an empty BillRefNumber.
	BillRefRequired bool `json:"bill_ref_required"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
