package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Input validation errors, returned at the boundary
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidAddress    = errors.New("invalid source address")
	ErrInvalidOutcome    = errors.New("invalid attempt outcome")

	// Backing store errors. These never reach callers of the security core;
	// they are absorbed by the fail-open policy.
	ErrStoreUnavailable  = errors.New("ephemeral store unavailable")
	ErrLedgerWriteFailed = errors.New("attempt ledger write failed")
)
