package domain

import (
	"time"
)

// NormalizedTransaction is the canonical tuple every gateway normalizer
// produces from its own payload shape.
type NormalizedTransaction struct {
	Gateway           GatewayType `json:"gateway"`
	ExternalID        string      `json:"external_id"`  // gateway's transaction id (MpesaReceiptNumber, TransID, KopoKopo resource id)
	AmountMinor       int64       `json:"amount_minor"` // minor units (cents)
	PayerPhone        string      `json:"payer_phone"`
	Reference         string      `json:"reference"` // bill ref / account ref / voucher linkage
	RoutingIdentifier string      `json:"routing_identifier"`
	OccurredAt        time.Time   `json:"occurred_at"`
	StatusRaw         string      `json:"status_raw"`
	Succeeded         bool        `json:"succeeded"`
}

// SettlementStatus records what happened downstream of the ledger write.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSettled   SettlementStatus = "settled"
	SettlementDuplicate SettlementStatus = "duplicate"
	SettlementFailed    SettlementStatus = "failed"
	SettlementUnmatched SettlementStatus = "unmatched"
)

// SettlementTarget says which domain object a settled transaction credited.
type SettlementTarget string

const (
	TargetVoucher  SettlementTarget = "voucher"
	TargetCustomer SettlementTarget = "customer"
	TargetNone     SettlementTarget = "none"
)

// RawTransactionRecord is one append-only ledger entry per inbound
// notification attempt, successful or not. Rows are never mutated except to
// attach settlement linkage, and never deleted.
type RawTransactionRecord struct {
	ID                string           `json:"id"` // UUID
	Gateway           GatewayType      `json:"gateway"`
	ExternalID        string           `json:"external_id"`
	AmountMinor       int64            `json:"amount_minor"`
	PayerPhone        string           `json:"payer_phone,omitempty"`
	Reference         string           `json:"reference,omitempty"`
	RoutingIdentifier string           `json:"routing_identifier"`
	OccurredAt        time.Time        `json:"occurred_at"`
	StatusRaw         string           `json:"status_raw"`
	Succeeded         bool             `json:"succeeded"`
	SettlementStatus  SettlementStatus `json:"settlement_status"`
	SettlementTarget  SettlementTarget `json:"settlement_target,omitempty"`
	SettledEntityID   *string          `json:"settled_entity_id,omitempty"` // voucher or customer id
	RawPayload        []byte           `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
}

// SettlementOutcome is what the dispatcher reports back to the HTTP layer
// after processing one callback.
type SettlementOutcome struct {
	LedgerID  string           `json:"ledger_id"`
	Target    SettlementTarget `json:"target"`
	EntityID  string           `json:"entity_id,omitempty"`
	Status    SettlementStatus `json:"status"`
	Duplicate bool             `json:"duplicate"`
}
