package domain

import (
	"fmt"
	"time"
)

// DurationUnit is the unit a package entitlement is expressed in.
type DurationUnit string

const (
	DurationHours  DurationUnit = "hours"
	DurationDays   DurationUnit = "days"
	DurationWeeks  DurationUnit = "weeks"
	DurationMonths DurationUnit = "months"
)

// Package is a service plan a payment can buy: a price and an entitlement
// duration.
type Package struct {
	ID             string       `json:"id"` // UUID
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	PriceMinor     int64        `json:"price_minor"`
	DurationValue  int          `json:"duration_value"`
	DurationUnit   DurationUnit `json:"duration_unit"`
	IsActive       bool         `json:"is_active"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Entitlement converts the package duration to a concrete time.Duration.
// Months are 30 days; billing here is day-granular, not calendar-accurate.
func (p *Package) Entitlement() (time.Duration, error) {
	v := time.Duration(p.DurationValue)
	switch p.DurationUnit {
	case DurationHours:
		return v * time.Hour, nil
	case DurationDays:
		return v * 24 * time.Hour, nil
	case DurationWeeks:
		return v * 7 * 24 * time.Hour, nil
	case DurationMonths:
		return v * 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration unit: %q", p.DurationUnit)
	}
}

// Customer is a postpaid subscription customer. Only the fields the
// reconciliation engine touches are modelled here; the CRM owns the rest.
type Customer struct {
	ID             string `json:"id"` // UUID
	OrganizationID string `json:"organization_id"`

	// Reference is the PPPoE username / bill-reference customers quote when
	// paying.
	Reference string `json:"reference"`

	PackageID    string    `json:"package_id"`
	Phone        string    `json:"phone,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	PaymentCount int       `json:"payment_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NextExpiry returns the expiry after crediting one entitlement: the
// extension is applied from the later of now and the current expiry, so
// stacking renewals never shortens existing paid time.
func (c *Customer) NextExpiry(now time.Time, entitlement time.Duration) time.Time {
	base := now
	if c.ExpiresAt.After(now) {
		base = c.ExpiresAt
	}
	return base.Add(entitlement)
}
