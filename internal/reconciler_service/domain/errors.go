package domain

import "errors"

var (
	// ErrAuthenticityRejected means the request could not be proven to come
	// from the claimed gateway. Always surfaced as 401; gateways must not
	// retry unauthenticated junk.
	ErrAuthenticityRejected = errors.New("authenticity rejected")

	// ErrMalformedPayload means no extraction strategy yielded a usable
	// amount or routing identifier, or a required field was missing.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownRoutingIdentifier means the till/shortcode in the payload
	// resolves to no active configuration.
	ErrUnknownRoutingIdentifier = errors.New("unknown routing identifier")

	// ErrDuplicateTransaction is not a failure: the same external transaction
	// id was already settled, and the delivery is a no-op.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrPersistenceFailure means the ledger write failed after local
	// retries. Surfaced as 5xx so the gateway retries; nothing was credited.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrSettlementFailure means the ledger row exists but the downstream
	// credit failed. Never surfaced as a request failure; flagged on the
	// ledger for operator reconciliation.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrVoucherTerminal is returned when a transition out of USED, EXPIRED
	// or CANCELLED is attempted.
	ErrVoucherTerminal = errors.New("voucher in terminal state")

	// ErrCodeGenerationExhausted is returned when voucher code generation
	// still collides after the retry bound.
	ErrCodeGenerationExhausted = errors.New("voucher code generation exhausted")

	// ErrNotFound is the generic repository miss.
	ErrNotFound = errors.New("not found")
)
