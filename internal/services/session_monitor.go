package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

// SessionStore is the external session store the monitor reads and deletes from
type SessionStore interface {
	ListByAccount(ctx context.Context, account string) ([]models.SessionRecord, error)
	Delete(ctx context.Context, account, sessionKey string) (int, error)
	DeleteAll(ctx context.Context, account string) (int, error)
}

// SuccessLedger provides the successful attempts used to attribute sessions to addresses
type SuccessLedger interface {
	RecentSuccesses(ctx context.Context, account string, since time.Time, limit int) ([]models.AttemptRecord, error)
}

type SessionMonitorConfig struct {
	HijackMinSessions  int
	HijackMinAddresses int
	HijackLookback     time.Duration
}

func DefaultSessionMonitorConfig() SessionMonitorConfig {
	return SessionMonitorConfig{
		HijackMinSessions:  2,
		HijackMinAddresses: 2,
		HijackLookback:     24 * time.Hour,
	}
}

// successScanLimit caps the successes read when attributing sessions
const successScanLimit = 100

// sessionAttributionSkew tolerates a session being created slightly before
// its login attempt is timestamped in the ledger
const sessionAttributionSkew = 5 * time.Second

// SessionMonitor enumerates and terminates sessions and looks for hijacking
type SessionMonitor struct {
	sessions SessionStore
	ledger   SuccessLedger
	sink     EventSink
	config   SessionMonitorConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionMonitor creates a new SessionMonitor
func NewSessionMonitor(sessions SessionStore, ledger SuccessLedger, sink EventSink, config SessionMonitorConfig, m *metrics.Metrics, logger *slog.Logger) *SessionMonitor {
	return &SessionMonitor{
		sessions: sessions,
		ledger:   ledger,
		sink:     sink,
		config:   config,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// GetActiveSessions returns the account's live sessions, oldest first, each
// attributed to the address of the successful login that most likely created it
func (m *SessionMonitor) GetActiveSessions(ctx context.Context, account string) ([]models.SessionRecord, error) {
	if err := validateIdentity(account); err != nil {
		return nil, err
	}

	sessions, err := m.sessions.ListByAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	if len(sessions) == 0 {
		return sessions, nil
	}

	oldest := sessions[0].CreatedAt.Add(-m.config.HijackLookback)
	successes, err := m.ledger.RecentSuccesses(ctx, account, oldest, successScanLimit)
	if err != nil {
		// Sessions are still useful without addresses
		m.logger.WarnContext(ctx, "failed to attribute sessions to addresses",
			slog.String("account", account),
			slog.Any("error", err),
		)
		return sessions, nil
	}

	for i := range sessions {
		sessions[i].SourceAddress = attributeAddress(sessions[i], successes)
	}
	return sessions, nil
}

// attributeAddress picks the newest success at or before the session's creation.
// successes must be ordered newest first.
func attributeAddress(session models.SessionRecord, successes []models.AttemptRecord) string {
	cutoff := session.CreatedAt.Add(sessionAttributionSkew)
	for _, s := range successes {
		if !s.Timestamp.After(cutoff) {
			return s.SourceAddress
		}
	}
	return ""
}

// GetConcurrentSessionsCount returns the number of live sessions for account
func (m *SessionMonitor) GetConcurrentSessionsCount(ctx context.Context, account string) (int, error) {
	if err := validateIdentity(account); err != nil {
		return 0, err
	}
	sessions, err := m.sessions.ListByAccount(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	return len(sessions), nil
}

// ForceLogout deletes one session, or every session of account when sessionKey is nil.
// A forced_logout event is always emitted.
func (m *SessionMonitor) ForceLogout(ctx context.Context, account string, sessionKey *string, actor string) (int, error) {
	if err := validateIdentity(account); err != nil {
		return 0, err
	}

	var (
		removed int
		err     error
		scope   = "all"
	)
	if sessionKey != nil {
		scope = "single"
		removed, err = m.sessions.Delete(ctx, account, *sessionKey)
	} else {
		removed, err = m.sessions.DeleteAll(ctx, account)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to terminate sessions: %w", err)
	}

	metadata := models.EventMetadata{
		"scope":   scope,
		"removed": removed,
		"actor":   actor,
	}
	if sessionKey != nil {
		metadata["session_key"] = *sessionKey
	}
	m.sink.Emit(ctx, EventInput{
		Kind:        models.EventForcedLogout,
		Severity:    models.SeverityWarning,
		Subject:     account,
		Description: "forced logout",
		Metadata:    metadata,
	})

	return removed, nil
}

// DetectSessionHijacking correlates live sessions with the distinct addresses of
// recent successful logins. The report is returned whether or not it triggers.
func (m *SessionMonitor) DetectSessionHijacking(ctx context.Context, account string) (models.HijackReport, error) {
	report := models.HijackReport{Sessions: []models.SessionRecord{}}

	sessions, err := m.GetActiveSessions(ctx, account)
	if err != nil {
		return report, err
	}
	report.Sessions = sessions
	report.ActiveSessions = len(sessions)

	successes, err := m.ledger.RecentSuccesses(ctx, account, m.now().Add(-m.config.HijackLookback), successScanLimit)
	if err != nil {
		return report, fmt.Errorf("failed to load recent successes: %w", err)
	}

	seen := make(map[string]struct{})
	addresses := make([]string, 0)
	for _, s := range successes {
		if _, ok := seen[s.SourceAddress]; ok {
			continue
		}
		seen[s.SourceAddress] = struct{}{}
		addresses = append(addresses, s.SourceAddress)
	}
	report.UniqueIPs = len(addresses)

	report.IsSuspicious = report.ActiveSessions >= m.config.HijackMinSessions &&
		report.UniqueIPs >= m.config.HijackMinAddresses

	if report.IsSuspicious {
		m.metrics.Detections.WithLabelValues("session_hijacking").Inc()
		m.sink.Emit(ctx, EventInput{
			Kind:        models.EventSessionHijacking,
			Severity:    models.SeverityError,
			Subject:     account,
			Description: fmt.Sprintf("%d concurrent sessions from %d addresses", report.ActiveSessions, report.UniqueIPs),
			Metadata: models.EventMetadata{
				"active_sessions": report.ActiveSessions,
				"unique_ips":      report.UniqueIPs,
				"addresses":       addresses,
			},
		})
	}
	return report, nil
}
