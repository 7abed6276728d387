package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies an authentication attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeBadCredential   Outcome = "bad_credential"
	OutcomeUnknownAccount  Outcome = "unknown_account"
	OutcomeDisabledAccount Outcome = "disabled_account"
	OutcomeMFAFailed       Outcome = "mfa_failed"
	OutcomeRateLimited     Outcome = "rate_limited"
)

// FailureOutcomes lists every outcome counted as a failure by windowed queries.
var FailureOutcomes = []Outcome{
	OutcomeBadCredential,
	OutcomeUnknownAccount,
	OutcomeDisabledAccount,
	OutcomeMFAFailed,
	OutcomeRateLimited,
}

// Valid reports whether o is a known outcome
func (o Outcome) Valid() bool {
	if o == OutcomeSuccess {
		return true
	}
	for _, f := range FailureOutcomes {
		if o == f {
			return true
		}
	}
	return false
}

// IsSuccess reports whether o is the success outcome
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess
}

// GeoLocation is an optional coarse location resolved from the source address.
type GeoLocation struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

// AttemptRecord is one authentication attempt in the append-only ledger.
// Records are never updated after insertion.
type AttemptRecord struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	Identity         string       `db:"identity" json:"identity"`
	ResolvedAccount  *string      `db:"resolved_account" json:"resolved_account,omitempty"`
	Outcome          Outcome      `db:"outcome" json:"outcome"`
	SourceAddress    string       `db:"source_address" json:"source_address"`
	ClientDescriptor string       `db:"client_descriptor" json:"client_descriptor,omitempty"`
	Geo              *GeoLocation `db:"-" json:"geo,omitempty"`
	Timestamp        time.Time    `db:"attempt_time" json:"timestamp"`
}

// AttemptInput is what a collaborator reports after a credential check.
type AttemptInput struct {
	SourceAddress   string
	Identity        string
	Outcome         Outcome
	ResolvedAccount *string
	UserAgent       string
}

// AddressCount pairs a source address with a count, used for top-N listings.
type AddressCount struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
}

// SpooledAttempt is an attempt record waiting in the local spool to be replayed into the ledger
type SpooledAttempt struct {
	SpoolID  int64
	Record   AttemptRecord
	QueuedAt time.Time
}
