package domain

import (
	"time"
)

// VoucherStatus is the hotspot voucher lifecycle state.
//
//	PENDING --successful payment--> ACTIVE
//	PENDING --failed payment-----> CANCELLED
//	ACTIVE  --first network use--> USED      (driven by the hotspot controller, not this service)
//	PENDING|ACTIVE --expiry------> EXPIRED
//	PENDING|ACTIVE --------------> CANCELLED
//
// USED, EXPIRED and CANCELLED are terminal.
type VoucherStatus string

const (
	VoucherPending   VoucherStatus = "PENDING"
	VoucherActive    VoucherStatus = "ACTIVE"
	VoucherUsed      VoucherStatus = "USED"
	VoucherExpired   VoucherStatus = "EXPIRED"
	VoucherCancelled VoucherStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted.
func (s VoucherStatus) IsTerminal() bool {
	switch s {
	case VoucherUsed, VoucherExpired, VoucherCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed by the
// state diagram. Transitions are monotonic; nothing leaves a terminal state.
func (s VoucherStatus) CanTransition(next VoucherStatus) bool {
	switch s {
	case VoucherPending:
		return next == VoucherActive || next == VoucherCancelled || next == VoucherExpired
	case VoucherActive:
		return next == VoucherUsed || next == VoucherExpired || next == VoucherCancelled
	default:
		return false
	}
}

// HotspotVoucher is a prepaid, code-based access grant with its own
// lifecycle independent of a registered subscriber. Created at
// purchase-initiation time, before payment completes.
type HotspotVoucher struct {
	ID             string        `json:"id"` // UUID
	OrganizationID string        `json:"organization_id"`
	PackageID      string        `json:"package_id"`
	Code           string        `json:"code"` // 8 uppercase alphanumerics, unique
	Phone          string        `json:"phone,omitempty"`
	AmountMinor    int64         `json:"amount_minor"`
	Status         VoucherStatus `json:"status"`

	// PaymentReference links the voucher to the payment that is expected to
	// activate it (e.g. the STK CheckoutRequestID).
	PaymentReference string `json:"payment_reference,omitempty"`

	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	FirstUsedAt *time.Time `json:"first_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
