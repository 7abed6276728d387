package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/store"
)

const (
	ReasonBruteForce        = "brute force"
	ReasonExcessiveFailures = "excessive failures"
)

// AddressLedger is the slice of the attempt ledger the IP tracker reads
type AddressLedger interface {
	RecentByAddress(ctx context.Context, address string, since time.Time, limit int) ([]models.AttemptRecord, error)
	CountFailuresByAddress(ctx context.Context, address string, since time.Time) (int, error)
}

// IPTrackerConfig holds flagging thresholds
type IPTrackerConfig struct {
	ConsecutiveFailures int
	HourlyFailures      int
	ScanLimit           int
	AttemptWindow       time.Duration
	FlagDuration        time.Duration
}

// DefaultIPTrackerConfig returns the stock thresholds
func DefaultIPTrackerConfig() IPTrackerConfig {
	return IPTrackerConfig{
		ConsecutiveFailures: 5,
		HourlyFailures:      10,
		ScanLimit:           50,
		AttemptWindow:       5 * time.Minute,
		FlagDuration:        60 * time.Minute,
	}
}

// IPTracker counts failures per source address and flags abusive addresses
type IPTracker struct {
	store   store.Store
	keys    store.KeySpace
	ledger  AddressLedger
	sink    EventSink
	config  IPTrackerConfig
	metrics *metrics.Metrics
	failure *failurePolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewIPTracker creates a new IPTracker
func NewIPTracker(st store.Store, keys store.KeySpace, ledger AddressLedger, sink EventSink, config IPTrackerConfig, m *metrics.Metrics, logger *slog.Logger) *IPTracker {
	return &IPTracker{
		store:   st,
		keys:    keys,
		ledger:  ledger,
		sink:    sink,
		config:  config,
		metrics: m,
		failure: newFailurePolicy("ip_tracker", sink, m, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// TrackLoginAttempt evaluates an address after its attempt has been written to the ledger.
// The returned error is non-nil only for malformed input.
func (t *IPTracker) TrackLoginAttempt(ctx context.Context, address, identity string, success bool) (models.TrackResult, error) {
	var result models.TrackResult
	if err := validateAddress(address); err != nil {
		return result, err
	}
	if err := validateIdentity(identity); err != nil {
		return result, err
	}

	now := t.now()

	if !success {
		records, err := t.ledger.RecentByAddress(ctx, address, now.Add(-t.config.AttemptWindow), t.config.ScanLimit)
		if err != nil {
			t.failure.storeUnavailable(ctx, "ledger_scan", err)
			result.Degraded = true
			return result, nil
		}
		result.ConsecutiveFailures = consecutiveFailures(records)
	}

	hourly, err := t.ledger.CountFailuresByAddress(ctx, address, now.Add(-time.Hour))
	if err != nil {
		t.failure.storeUnavailable(ctx, "ledger_count", err)
		result.Degraded = true
		return result, nil
	}
	result.RecentFailuresHour = hourly

	// A success never flags its own address
	if success {
		return result, nil
	}

	switch {
	case result.ConsecutiveFailures >= t.config.ConsecutiveFailures:
		result.ShouldBlock = true
		result.Reason = ReasonBruteForce
	case result.RecentFailuresHour >= t.config.HourlyFailures:
		result.ShouldBlock = true
		result.Reason = ReasonExcessiveFailures
	default:
		return result, nil
	}

	flagged, err := t.isFlagged(ctx, address)
	if err != nil {
		t.failure.storeUnavailable(ctx, "is_flagged", err)
		result.Degraded = true
		return result, nil
	}
	if flagged {
		return result, nil
	}

	if _, err := t.setFlag(ctx, address, result.Reason, t.config.FlagDuration); err != nil {
		t.failure.storeUnavailable(ctx, "flag", err)
		result.Degraded = true
		return result, nil
	}
	t.metrics.Decisions.WithLabelValues("ip_tracker", "flag").Inc()

	t.sink.Emit(ctx, EventInput{
		Kind:          models.EventSuspiciousActivity,
		Severity:      models.SeverityWarning,
		Subject:       identity,
		SourceAddress: address,
		Description:   fmt.Sprintf("address flagged for %s", result.Reason),
		Metadata: models.EventMetadata{
			"reason":               result.Reason,
			"consecutive_failures": result.ConsecutiveFailures,
			"recent_failures_hour": result.RecentFailuresHour,
			"flag_duration":        t.config.FlagDuration.String(),
		},
	})

	return result, nil
}

// consecutiveFailures counts failures from the newest record backwards until a success
func consecutiveFailures(records []models.AttemptRecord) int {
	n := 0
	for _, rec := range records {
		if rec.Outcome.IsSuccess() {
			break
		}
		n++
	}
	return n
}

// IsIPFlagged reports whether address currently carries a live flag. Fails open.
func (t *IPTracker) IsIPFlagged(ctx context.Context, address string) (bool, error) {
	if err := validateAddress(address); err != nil {
		return false, err
	}

	flagged, err := t.isFlagged(ctx, address)
	if err != nil {
		t.failure.storeUnavailable(ctx, "is_flagged", err)
		return false, nil
	}
	return flagged, nil
}

func (t *IPTracker) isFlagged(ctx context.Context, address string) (bool, error) {
	_, found, err := t.store.Get(ctx, t.keys.Flag(address))
	return found, err
}

// FlagIP flags address for duration on behalf of an operator
func (t *IPTracker) FlagIP(ctx context.Context, address, reason string, duration time.Duration) (*models.FlagEntry, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = t.config.FlagDuration
	}

	entry, err := t.setFlag(ctx, address, reason, duration)
	if err != nil {
		return nil, err
	}

	t.sink.Emit(ctx, EventInput{
		Kind:          models.EventIPFlagged,
		Severity:      models.SeverityWarning,
		SourceAddress: address,
		Description:   "address flagged manually",
		Metadata: models.EventMetadata{
			"reason":     reason,
			"expires_at": entry.ExpiresAt,
		},
	})
	return entry, nil
}

func (t *IPTracker) setFlag(ctx context.Context, address, reason string, duration time.Duration) (*models.FlagEntry, error) {
	now := t.now().UTC()
	entry := &models.FlagEntry{
		Address:   address,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flag: %w", err)
	}
	if err := t.store.Set(ctx, t.keys.Flag(address), string(data), duration); err != nil {
		return nil, err
	}
	if err := t.store.SetAdd(ctx, t.keys.FlagIndex(), address); err != nil {
		// The flag itself is live. GetAllFlaggedIPs will miss it until it is re-flagged.
		t.logger.WarnContext(ctx, "failed to index flagged address",
			slog.String("address", address),
			slog.Any("error", err),
		)
	}
	return entry, nil
}

// UnflagIP removes a flag. Unflagging an address that is not flagged is not an error.
func (t *IPTracker) UnflagIP(ctx context.Context, address string) error {
	if err := validateAddress(address); err != nil {
		return err
	}

	if err := t.store.Delete(ctx, t.keys.Flag(address)); err != nil {
		return err
	}
	if err := t.store.SetRemove(ctx, t.keys.FlagIndex(), address); err != nil {
		t.logger.WarnContext(ctx, "failed to remove address from flag index",
			slog.String("address", address),
			slog.Any("error", err),
		)
	}

	t.sink.Emit(ctx, EventInput{
		Kind:          models.EventIPUnflagged,
		Severity:      models.SeverityInfo,
		SourceAddress: address,
		Description:   "address unflagged",
	})
	return nil
}

// GetIPMetadata returns the live flag for address, or nil when there is none
func (t *IPTracker) GetIPMetadata(ctx context.Context, address string) (*models.FlagEntry, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}

	entry, err := t.readFlag(ctx, address)
	if err != nil {
		t.failure.storeUnavailable(ctx, "get_metadata", err)
		return nil, nil
	}
	return entry, nil
}

func (t *IPTracker) readFlag(ctx context.Context, address string) (*models.FlagEntry, error) {
	raw, found, err := t.store.Get(ctx, t.keys.Flag(address))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var entry models.FlagEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Treat an unreadable entry as a flag with no detail
		t.logger.WarnContext(ctx, "corrupt flag entry", slog.String("address", address), slog.Any("error", err))
		return &models.FlagEntry{Address: address}, nil
	}
	return &entry, nil
}

// GetAllFlaggedIPs lists live flags, dropping index members whose flag has expired
func (t *IPTracker) GetAllFlaggedIPs(ctx context.Context) ([]models.FlagEntry, error) {
	members, err := t.store.SetMembers(ctx, t.keys.FlagIndex())
	if err != nil {
		return nil, fmt.Errorf("failed to read flag index: %w", err)
	}

	entries := make([]models.FlagEntry, 0, len(members))
	for _, address := range members {
		entry, err := t.readFlag(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to read flag for %s: %w", address, err)
		}
		if entry == nil {
			if err := t.store.SetRemove(ctx, t.keys.FlagIndex(), address); err != nil {
				t.logger.WarnContext(ctx, "failed to prune flag index",
					slog.String("address", address),
					slog.Any("error", err),
				)
			}
			continue
		}
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ExpiresAt.After(entries[j].ExpiresAt)
	})
	t.metrics.FlaggedIPs.Set(float64(len(entries)))
	return entries, nil
}
