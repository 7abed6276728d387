package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

const (
	dashboardTopIPs       = 10
	dashboardRecentEvents = 20
	maxDashboardHours     = 24 * 30
)

// DashboardLedger is the slice of the attempt ledger the dashboard aggregates
type DashboardLedger interface {
	CountOutcomes(ctx context.Context, since time.Time) (failed int, succeeded int, err error)
	TopFailedAddresses(ctx context.Context, since time.Time, limit int) ([]models.AddressCount, error)
}

// DashboardEvents is the slice of the event trail the dashboard reads
type DashboardEvents interface {
	CountSince(ctx context.Context, since time.Time) (int, error)
	Recent(ctx context.Context, limit int) ([]models.SecurityEvent, error)
}

// FlagLister enumerates live address flags
type FlagLister interface {
	GetAllFlaggedIPs(ctx context.Context) ([]models.FlagEntry, error)
}

// DashboardService builds read-only security rollups
type DashboardService struct {
	ledger DashboardLedger
	events DashboardEvents
	flags  FlagLister
	logger *slog.Logger
	now    func() time.Time
}

func NewDashboardService(ledger DashboardLedger, events DashboardEvents, flags FlagLister, logger *slog.Logger) *DashboardService {
	return &DashboardService{
		ledger: ledger,
		events: events,
		flags:  flags,
		logger: logger,
		now:    time.Now,
	}
}

// GetSecurityDashboardData aggregates the trailing windowHours. Sections whose
// source fails are left empty and the result is marked Partial; an error is
// returned only when every source fails.
func (s *DashboardService) GetSecurityDashboardData(ctx context.Context, windowHours int) (*models.DashboardData, error) {
	if windowHours <= 0 || windowHours > maxDashboardHours {
		return nil, fmt.Errorf("%w: window must be between 1 and %d hours", models.ErrBadRequest, maxDashboardHours)
	}
	since := s.now().Add(-time.Duration(windowHours) * time.Hour)

	data := &models.DashboardData{
		WindowHours:  windowHours,
		FlaggedIPs:   []models.FlagEntry{},
		TopFailedIPs: []models.AddressCount{},
		RecentEvents: []models.SecurityEvent{},
	}

	failures := 0
	partial := func(section string, err error) {
		failures++
		data.Partial = true
		s.logger.ErrorContext(ctx, "dashboard section unavailable",
			slog.String("section", section),
			slog.Any("error", err),
		)
	}

	if failed, succeeded, err := s.ledger.CountOutcomes(ctx, since); err != nil {
		partial("login_counts", err)
	} else {
		data.FailedLogins = failed
		data.SuccessfulLogins = succeeded
	}

	if top, err := s.ledger.TopFailedAddresses(ctx, since, dashboardTopIPs); err != nil {
		partial("top_failed_ips", err)
	} else {
		data.TopFailedIPs = top
	}

	if count, err := s.events.CountSince(ctx, since); err != nil {
		partial("security_events", err)
	} else {
		data.SecurityEvents = count
	}

	if recent, err := s.events.Recent(ctx, dashboardRecentEvents); err != nil {
		partial("recent_events", err)
	} else {
		for _, ev := range recent {
			if !ev.Timestamp.Before(since) {
				data.RecentEvents = append(data.RecentEvents, ev)
			}
		}
	}

	if flagged, err := s.flags.GetAllFlaggedIPs(ctx); err != nil {
		partial("flagged_ips", err)
	} else {
		data.FlaggedIPs = flagged
		data.FlaggedIPsCount = len(flagged)
	}

	if failures == 5 {
		return nil, fmt.Errorf("%w: no dashboard source available", models.ErrStoreUnavailable)
	}
	return data, nil
}
