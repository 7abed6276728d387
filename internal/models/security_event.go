package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SecurityEventCategory is the fixed category stamped on every event
const SecurityEventCategory = "SECURITY"

// EventKind names what happened
type EventKind string

const (
	EventSuspiciousActivity   EventKind = "suspicious_activity"
	EventBruteForceLockout    EventKind = "brute_force_lockout"
	EventIPFlagged            EventKind = "ip_flagged"
	EventIPUnflagged          EventKind = "ip_unflagged"
	EventAccountLocked        EventKind = "account_locked"
	EventAccountUnlocked      EventKind = "account_unlocked"
	EventMultipleFailedLogins EventKind = "multiple_failed_logins"
	EventNewLocationLogin     EventKind = "new_location_login"
	EventBulkExport           EventKind = "bulk_export"
	EventUnusualAPIActivity   EventKind = "unusual_api_activity"
	EventForcedLogout         EventKind = "forced_logout"
	EventSessionHijacking     EventKind = "session_hijacking"
	EventStoreUnavailable     EventKind = "store_unavailable"
	EventLedgerWriteFailed    EventKind = "ledger_write_failed"
)

// Severity of a security event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an immutable, hash-chained audit entry.
type SecurityEvent struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Seq           int64         `db:"seq" json:"seq"`
	Category      string        `db:"category" json:"category"`
	Kind          EventKind     `db:"kind" json:"kind"`
	Severity      Severity      `db:"severity" json:"severity"`
	Subject       *string       `db:"subject" json:"subject,omitempty"`
	Tenant        *string       `db:"tenant" json:"tenant,omitempty"`
	SourceAddress *string       `db:"source_address" json:"source_address,omitempty"`
	Description   string        `db:"description" json:"description"`
	Metadata      EventMetadata `db:"metadata" json:"metadata"`
	Timestamp     time.Time     `db:"created_at" json:"timestamp"`
	PrevHash      string        `db:"prev_hash" json:"prev_hash"`
	Hash          string        `db:"hash" json:"hash"`
}

// EventMetadata holds structured context for an event
type EventMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (m *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(EventMetadata)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return ErrBadRequest
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return err
	}
	*m = EventMetadata(raw)
	return nil
}

// Value implements driver.Valuer for JSONB
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(m))
}

// ChainVerification reports the result of re-hashing the event chain.
type ChainVerification struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	FirstBadSeq  *int64 `json:"first_bad_seq,omitempty"`
	BrokenReason string `json:"broken_reason,omitempty"`
}
