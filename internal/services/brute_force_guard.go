package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/store"
	"github.com/BradenHooton/bastion/pkg/logger"
)

// GuardConfig holds fixed-window lockout settings
type GuardConfig struct {
	MaxAttempts     int64
	LockoutDuration time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxAttempts:     5,
		LockoutDuration: 15 * time.Minute,
	}
}

// BruteForceGuard implements per-identity fixed-window attempt counting and
// the independent administrative account lock.
type BruteForceGuard struct {
	store   store.Store
	keys    store.KeySpace
	sink    EventSink
	config  GuardConfig
	metrics *metrics.Metrics
	failure *failurePolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewBruteForceGuard creates a new BruteForceGuard
func NewBruteForceGuard(st store.Store, keys store.KeySpace, sink EventSink, config GuardConfig, m *metrics.Metrics, logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		store:   st,
		keys:    keys,
		sink:    sink,
		config:  config,
		metrics: m,
		failure: newFailurePolicy("brute_force_guard", sink, m, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAndIncrement counts one attempt for identity and reports whether it may proceed.
// The first call opens a window lasting LockoutDuration. Fails open.
func (g *BruteForceGuard) CheckAndIncrement(ctx context.Context, identity string) (models.CheckResult, error) {
	if err := validateIdentity(identity); err != nil {
		return models.CheckResult{}, err
	}
	identity = normalizeIdentity(identity)
	key := g.keys.AttemptCounter(identity)

	attempts, err := g.store.Increment(ctx, key, g.config.LockoutDuration)
	if err != nil {
		g.failure.storeUnavailable(ctx, "check_and_increment", err)
		return models.CheckResult{
			Allowed:           true,
			RemainingAttempts: g.config.MaxAttempts,
			Degraded:          true,
		}, nil
	}

	result := models.CheckResult{
		Allowed:           attempts <= g.config.MaxAttempts,
		Attempts:          attempts,
		RemainingAttempts: max(g.config.MaxAttempts-attempts, 0),
	}
	if result.Allowed {
		g.metrics.Decisions.WithLabelValues("brute_force_guard", "allow").Inc()
		return result, nil
	}

	result.RetryAfter = g.remaining(ctx, key)
	result.Reason = fmt.Sprintf("too many attempts, try again in %s", humanizeDuration(result.RetryAfter))
	g.metrics.Decisions.WithLabelValues("brute_force_guard", "deny").Inc()

	// Only the attempt that crosses the threshold records the lockout
	if attempts == g.config.MaxAttempts+1 {
		g.logger.WarnContext(ctx, "identity locked out",
			slog.String("identity", logger.MaskIdentity(identity)),
			slog.Int64("attempts", attempts),
			slog.Duration("retry_after", result.RetryAfter),
		)
		g.sink.Emit(ctx, EventInput{
			Kind:        models.EventBruteForceLockout,
			Severity:    models.SeverityWarning,
			Subject:     identity,
			Description: "identity locked out after repeated attempts",
			Metadata: models.EventMetadata{
				"attempts":     attempts,
				"max_attempts": g.config.MaxAttempts,
				"retry_after":  result.RetryAfter.String(),
			},
		})
	}

	return result, nil
}

// remaining returns the time left on key's window, falling back to the full
// window when the TTL cannot be read.
func (g *BruteForceGuard) remaining(ctx context.Context, key string) time.Duration {
	ttl, found, err := g.store.TTL(ctx, key)
	if err != nil || !found || ttl <= 0 {
		return g.config.LockoutDuration
	}
	return ttl
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// IsLockedOut reports whether identity has used up its attempts in the current window. Fails open.
func (g *BruteForceGuard) IsLockedOut(ctx context.Context, identity string) (bool, error) {
	info, err := g.GetLockoutInfo(ctx, identity)
	if err != nil {
		return false, err
	}
	return info != nil && info.IsLockedOut, nil
}

// GetLockoutInfo returns nil when identity has no open window
func (g *BruteForceGuard) GetLockoutInfo(ctx context.Context, identity string) (*models.LockoutInfo, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	key := g.keys.AttemptCounter(normalizeIdentity(identity))

	raw, found, err := g.store.Get(ctx, key)
	if err != nil {
		g.failure.storeUnavailable(ctx, "get_lockout_info", err)
		return nil, nil
	}
	if !found {
		return nil, nil
	}

	attempts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		g.logger.WarnContext(ctx, "corrupt attempt counter", slog.String("key", key), slog.Any("error", err))
		return nil, nil
	}

	return &models.LockoutInfo{
		IsLockedOut: attempts >= g.config.MaxAttempts,
		Attempts:    attempts,
		LockedUntil: g.now().Add(g.remaining(ctx, key)).UTC(),
	}, nil
}

// ResetAttempts deletes the counter for identity. The next attempt starts a fresh window.
func (g *BruteForceGuard) ResetAttempts(ctx context.Context, identity string) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	if err := g.store.Delete(ctx, g.keys.AttemptCounter(normalizeIdentity(identity))); err != nil {
		g.failure.storeUnavailable(ctx, "reset_attempts", err)
	}
	return nil
}

// LockAccount installs a hard lock on account. A non-positive duration uses LockoutDuration.
func (g *BruteForceGuard) LockAccount(ctx context.Context, account string, duration time.Duration, lockedBy, reason string) (*models.AccountLock, error) {
	if err := validateIdentity(account); err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = g.config.LockoutDuration
	}
	account = normalizeIdentity(account)

	now := g.now().UTC()
	lock := &models.AccountLock{
		Account:   account,
		LockedAt:  now,
		ExpiresAt: now.Add(duration),
		LockedBy:  lockedBy,
		Reason:    reason,
	}

	data, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account lock: %w", err)
	}
	if err := g.store.Set(ctx, g.keys.AccountLock(account), string(data), duration); err != nil {
		return nil, err
	}

	g.sink.Emit(ctx, EventInput{
		Kind:        models.EventAccountLocked,
		Severity:    models.SeverityWarning,
		Subject:     account,
		Description: "account locked",
		Metadata: models.EventMetadata{
			"locked_by":  lockedBy,
			"reason":     reason,
			"expires_at": lock.ExpiresAt,
		},
	})
	return lock, nil
}

// UnlockAccount removes a hard lock. Returns models.ErrNotFound when account is not locked.
func (g *BruteForceGuard) UnlockAccount(ctx context.Context, account, unlockedBy string) error {
	if err := validateIdentity(account); err != nil {
		return err
	}
	account = normalizeIdentity(account)
	key := g.keys.AccountLock(account)

	_, found, err := g.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return models.ErrNotFound
	}
	if err := g.store.Delete(ctx, key); err != nil {
		return err
	}

	g.sink.Emit(ctx, EventInput{
		Kind:        models.EventAccountUnlocked,
		Severity:    models.SeverityInfo,
		Subject:     account,
		Description: "account unlocked",
		Metadata:    models.EventMetadata{"unlocked_by": unlockedBy},
	})
	return nil
}

// IsAccountLocked reports whether account carries a live hard lock. Fails open.
func (g *BruteForceGuard) IsAccountLocked(ctx context.Context, account string) (bool, error) {
	lock, err := g.GetAccountLock(ctx, account)
	if err != nil {
		return false, err
	}
	return lock != nil, nil
}

// GetAccountLock returns the live hard lock on account, or nil. Fails open.
func (g *BruteForceGuard) GetAccountLock(ctx context.Context, account string) (*models.AccountLock, error) {
	if err := validateIdentity(account); err != nil {
		return nil, err
	}
	account = normalizeIdentity(account)

	raw, found, err := g.store.Get(ctx, g.keys.AccountLock(account))
	if err != nil {
		g.failure.storeUnavailable(ctx, "is_account_locked", err)
		return nil, nil
	}
	if !found {
		return nil, nil
	}

	var lock models.AccountLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		g.logger.WarnContext(ctx, "corrupt account lock", slog.String("account", account), slog.Any("error", err))
		// Still locked; the expiry is unknown
		return &models.AccountLock{Account: account, ExpiresAt: g.now().Add(g.config.LockoutDuration).UTC()}, nil
	}
	return &lock, nil
}
