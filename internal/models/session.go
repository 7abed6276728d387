package models

import "time"

// SessionRecord is a live authenticated session as seen by the session monitor
type SessionRecord struct {
	SessionKey    string    `json:"session_key"`
	AccountID     string    `json:"account_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	SourceAddress string    `json:"source_address,omitempty"`
}

// HijackReport summarises concurrent-session analysis for one account
type HijackReport struct {
	IsSuspicious   bool            `json:"is_suspicious"`
	ActiveSessions int             `json:"active_sessions"`
	UniqueIPs      int             `json:"unique_ips"`
	Sessions       []SessionRecord `json:"sessions"`
}
