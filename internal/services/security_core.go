package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/logger"
)

// SecurityCore is the entry point the authentication flow calls around each credential check
type SecurityCore struct {
	attempts *AttemptService
	tracker  *IPTracker
	guard    *BruteForceGuard
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewSecurityCore creates a new SecurityCore
func NewSecurityCore(attempts *AttemptService, tracker *IPTracker, guard *BruteForceGuard, m *metrics.Metrics, logger *slog.Logger) *SecurityCore {
	return &SecurityCore{
		attempts: attempts,
		tracker:  tracker,
		guard:    guard,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Precheck runs before the credential check. A flagged address is denied
// without detail. A hard-locked account or an identity over its attempt budget
// is rate limited with a retry-after hint. Every refusal is itself recorded as
// a rate_limited attempt.
func (c *SecurityCore) Precheck(ctx context.Context, address, identity string) (models.PrecheckResult, error) {
	if err := validateAddress(address); err != nil {
		return models.PrecheckResult{}, err
	}
	if err := validateIdentity(identity); err != nil {
		return models.PrecheckResult{}, err
	}

	flagged, err := c.tracker.IsIPFlagged(ctx, address)
	if err != nil {
		return models.PrecheckResult{}, err
	}
	if flagged {
		return c.refuse(ctx, address, identity, models.PrecheckResult{Decision: models.DecisionDenied}, "address flagged"), nil
	}

	lock, err := c.guard.GetAccountLock(ctx, identity)
	if err != nil {
		return models.PrecheckResult{}, err
	}
	if lock != nil {
		return c.refuse(ctx, address, identity, models.PrecheckResult{
			Decision:   models.DecisionRateLimited,
			RetryAfter: retryAfter(lock.ExpiresAt.Sub(c.now())),
		}, "account locked"), nil
	}

	check, err := c.guard.CheckAndIncrement(ctx, identity)
	if err != nil {
		return models.PrecheckResult{}, err
	}
	if !check.Allowed {
		return c.refuse(ctx, address, identity, models.PrecheckResult{
			Decision:   models.DecisionRateLimited,
			RetryAfter: check.RetryAfter,
		}, check.Reason), nil
	}

	c.metrics.Decisions.WithLabelValues("precheck", string(models.DecisionAllow)).Inc()
	return models.PrecheckResult{Decision: models.DecisionAllow, Remaining: check.RemainingAttempts}, nil
}

func (c *SecurityCore) refuse(ctx context.Context, address, identity string, result models.PrecheckResult, reason string) models.PrecheckResult {
	c.metrics.Decisions.WithLabelValues("precheck", string(result.Decision)).Inc()
	c.logger.WarnContext(ctx, "authentication attempt refused",
		slog.String("identity", logger.MaskIdentity(identity)),
		slog.String("source_address", address),
		slog.String("decision", string(result.Decision)),
		slog.String("reason", reason),
	)

	// Validated above, so RecordAttempt cannot reject the input
	_, _ = c.attempts.RecordAttempt(ctx, models.AttemptInput{
		SourceAddress: address,
		Identity:      identity,
		Outcome:       models.OutcomeRateLimited,
	})
	return result
}

// retryAfter never hints less than one second
func retryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// AttemptResult is returned to the authentication flow after an attempt is recorded
type AttemptResult struct {
	Record *models.AttemptRecord `json:"record"`
	Track  models.TrackResult    `json:"track"`
}

// RecordAttempt writes the attempt to the ledger, then drives IP tracking.
// A success also resets the identity's attempt counter.
func (c *SecurityCore) RecordAttempt(ctx context.Context, in models.AttemptInput) (*AttemptResult, error) {
	rec, err := c.attempts.RecordAttempt(ctx, in)
	if err != nil {
		return nil, err
	}

	success := rec.Outcome.IsSuccess()
	track, err := c.tracker.TrackLoginAttempt(ctx, rec.SourceAddress, rec.Identity, success)
	if err != nil {
		return nil, err
	}

	if success {
		if err := c.guard.ResetAttempts(ctx, rec.Identity); err != nil {
			return nil, err
		}
	}

	return &AttemptResult{Record: rec, Track: track}, nil
}

// ResetAttempts clears the attempt counter after a successful authentication
func (c *SecurityCore) ResetAttempts(ctx context.Context, identity string) error {
	return c.guard.ResetAttempts(ctx, identity)
}

// IsIPBlocked reports whether requests from address must be refused. Fails open.
func (c *SecurityCore) IsIPBlocked(ctx context.Context, address string) (bool, error) {
	return c.tracker.IsIPFlagged(ctx, address)
}

// IsAccountLocked reports whether account carries a hard lock. Fails open.
func (c *SecurityCore) IsAccountLocked(ctx context.Context, account string) (bool, error) {
	return c.guard.IsAccountLocked(ctx, account)
}

// AccountLock returns the live hard lock for account, or nil. Fails open.
func (c *SecurityCore) AccountLock(ctx context.Context, account string) (*models.AccountLock, error) {
	return c.guard.GetAccountLock(ctx, account)
}
