package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidReason       = errors.New("invalid_reason")

	// ErrInsufficientBalance is the projection-level refusal: a negative
	// delta would drive the stored balance below zero.
	ErrInsufficientBalance = errors.New("insufficient_balance")

	// ErrInsufficientCredits is the facade-level paywall signal surfaced to
	// callers; it maps to HTTP 402 so UIs can present an upgrade path.
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrDuplicateIdempotencyKey reports the ledger's unique-key constraint.
	// Callers treat it as a replay, not a failure.
	ErrDuplicateIdempotencyKey = errors.New("duplicate_idempotency_key")
)
