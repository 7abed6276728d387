package models

import "time"

// FlagEntry marks a source address as blocked until ExpiresAt.
// A live FlagEntry overrides any counter-based decision for that address.
type FlagEntry struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AccountLock is an explicit, administrator or policy applied account lock.
type AccountLock struct {
	Account   string    `json:"account"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LockedBy  string    `json:"locked_by"`
	Reason    string    `json:"reason"`
}

// LockoutInfo describes the attempt counter state for an identity
type LockoutInfo struct {
	IsLockedOut bool      `json:"is_locked_out"`
	Attempts    int64     `json:"attempts"`
	LockedUntil time.Time `json:"locked_until"`
}

// TrackResult is returned by the IP tracker for every reported attempt
type TrackResult struct {
	ShouldBlock         bool   `json:"should_block"`
	Reason              string `json:"reason,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RecentFailuresHour  int    `json:"recent_failures_hour"`
	Degraded            bool   `json:"degraded,omitempty"`
}

// CheckResult is returned by the brute-force guard's check-and-increment
type CheckResult struct {
	Allowed           bool          `json:"allowed"`
	Attempts          int64         `json:"attempts"`
	RemainingAttempts int64         `json:"remaining_attempts"`
	Reason            string        `json:"reason,omitempty"`
	RetryAfter        time.Duration `json:"retry_after"`
	Degraded          bool          `json:"degraded,omitempty"`
}

// Decision is the outcome of a pre-credential gate check
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionDenied      Decision = "denied"
	DecisionRateLimited Decision = "rate_limited"
)

// PrecheckResult is the combined verdict the gate returns before credential verification.
// Denied results carry no threshold detail.
type PrecheckResult struct {
	Decision   Decision      `json:"decision"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Remaining  int64         `json:"remaining_attempts,omitempty"`
}
