package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

const (
	DetectorMultipleFailedLogins = "multiple_failed_logins"
	DetectorNewLocation          = "new_location_login"
	DetectorBulkExport           = "bulk_export"
	DetectorUnusualAPIActivity   = "unusual_api_activity"
)

// AccountLedger is the slice of the attempt ledger read by account-level detectors
type AccountLedger interface {
	CountFailuresByAccount(ctx context.Context, account string, since time.Time) (int, error)
	SuccessfulAddresses(ctx context.Context, account string, since time.Time) ([]string, error)
}

// DetectorConfig holds detector thresholds and windows
type DetectorConfig struct {
	MultiFailureThreshold   int
	MultiFailureWindow      time.Duration
	BulkExportThreshold     int
	BulkExportWindow        time.Duration
	APIVolumeThreshold      int
	APIActivityWindow       time.Duration
	APIFailureRateThreshold float64
	// KnownLocationLookback bounds the prior successful logins considered
	// by the new-location detector. Zero means all history.
	KnownLocationLookback time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MultiFailureThreshold:   5,
		MultiFailureWindow:      24 * time.Hour,
		BulkExportThreshold:     10,
		BulkExportWindow:        60 * time.Minute,
		APIVolumeThreshold:      1000,
		APIActivityWindow:       60 * time.Minute,
		APIFailureRateThreshold: 0.5,
	}
}

// SuspiciousActivityDetector runs stateless heuristics over the ledger and
// caller-supplied counts. It writes only when a detector triggers.
type SuspiciousActivityDetector struct {
	ledger  AccountLedger
	sink    EventSink
	config  DetectorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSuspiciousActivityDetector creates a new SuspiciousActivityDetector
func NewSuspiciousActivityDetector(ledger AccountLedger, sink EventSink, config DetectorConfig, m *metrics.Metrics, logger *slog.Logger) *SuspiciousActivityDetector {
	return &SuspiciousActivityDetector{
		ledger:  ledger,
		sink:    sink,
		config:  config,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (d *SuspiciousActivityDetector) triggered(ctx context.Context, detector string, in EventInput) {
	d.metrics.Detections.WithLabelValues(detector).Inc()
	d.sink.Emit(ctx, in)
}

// DetectMultipleFailedLogins flags account when its failures in the window reach the threshold.
// Zero window or threshold use the configured defaults.
func (d *SuspiciousActivityDetector) DetectMultipleFailedLogins(ctx context.Context, account string, window time.Duration, threshold int) (models.MultipleFailedLoginsResult, error) {
	var result models.MultipleFailedLoginsResult
	if err := validateIdentity(account); err != nil {
		return result, err
	}
	if window <= 0 {
		window = d.config.MultiFailureWindow
	}
	if threshold <= 0 {
		threshold = d.config.MultiFailureThreshold
	}

	failed, err := d.ledger.CountFailuresByAccount(ctx, account, d.now().Add(-window))
	if err != nil {
		return result, fmt.Errorf("failed to count failed logins: %w", err)
	}

	result.FailedAttempts = failed
	result.IsSuspicious = failed >= threshold
	if result.IsSuspicious {
		d.triggered(ctx, DetectorMultipleFailedLogins, EventInput{
			Kind:        models.EventMultipleFailedLogins,
			Severity:    models.SeverityWarning,
			Subject:     account,
			Description: fmt.Sprintf("%d failed logins in %s", failed, window),
			Metadata: models.EventMetadata{
				"failed_attempts": failed,
				"threshold":       threshold,
				"window":          window.String(),
			},
		})
	}
	return result, nil
}

// DetectNewLocationLogin reports whether address has never been used for a
// successful login on account. Failed-attempt addresses are not considered known.
func (d *SuspiciousActivityDetector) DetectNewLocationLogin(ctx context.Context, account, address, country string) (models.NewLocationResult, error) {
	result := models.NewLocationResult{Address: address, Country: country}
	if err := validateIdentity(account); err != nil {
		return result, err
	}
	if err := validateAddress(address); err != nil {
		return result, err
	}

	var since time.Time
	if d.config.KnownLocationLookback > 0 {
		since = d.now().Add(-d.config.KnownLocationLookback)
	}

	known, err := d.ledger.SuccessfulAddresses(ctx, account, since)
	if err != nil {
		return result, fmt.Errorf("failed to load known addresses: %w", err)
	}

	result.KnownAddresses = len(known)
	result.IsNewLocation = true
	for _, k := range known {
		if k == address {
			result.IsNewLocation = false
			break
		}
	}

	if result.IsNewLocation {
		d.triggered(ctx, DetectorNewLocation, EventInput{
			Kind:          models.EventNewLocationLogin,
			Severity:      models.SeverityInfo,
			Subject:       account,
			SourceAddress: address,
			Description:   "login from a previously unseen address",
			Metadata: models.EventMetadata{
				"country":         country,
				"known_addresses": len(known),
			},
		})
	}
	return result, nil
}

// DetectBulkExport flags account when the caller-counted exports in the window exceed the threshold
func (d *SuspiciousActivityDetector) DetectBulkExport(ctx context.Context, account string, exportCount int, window time.Duration, threshold int) (models.BulkExportResult, error) {
	if window <= 0 {
		window = d.config.BulkExportWindow
	}
	if threshold <= 0 {
		threshold = d.config.BulkExportThreshold
	}
	result := models.BulkExportResult{ExportCount: exportCount, Threshold: threshold}
	if err := validateIdentity(account); err != nil {
		return result, err
	}
	if exportCount < 0 {
		return result, fmt.Errorf("%w: negative export count", models.ErrBadRequest)
	}

	result.IsSuspicious = exportCount > threshold
	if result.IsSuspicious {
		d.triggered(ctx, DetectorBulkExport, EventInput{
			Kind:        models.EventBulkExport,
			Severity:    models.SeverityWarning,
			Subject:     account,
			Description: fmt.Sprintf("%d exports in %s", exportCount, window),
			Metadata: models.EventMetadata{
				"export_count": exportCount,
				"threshold":    threshold,
				"window":       window.String(),
			},
		})
	}
	return result, nil
}

// DetectUnusualAPIActivity flags high request volume or a high failure ratio in caller-supplied stats
func (d *SuspiciousActivityDetector) DetectUnusualAPIActivity(ctx context.Context, account string, stats models.RequestStats, window time.Duration) (models.APIActivityResult, error) {
	result := models.APIActivityResult{RequestCount: stats.Total}
	if err := validateIdentity(account); err != nil {
		return result, err
	}
	if stats.Total < 0 || stats.Failed < 0 || stats.Failed > stats.Total {
		return result, fmt.Errorf("%w: inconsistent request stats", models.ErrBadRequest)
	}
	if window <= 0 {
		window = d.config.APIActivityWindow
	}

	if stats.Total > 0 {
		result.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}
	result.IsHighVolume = stats.Total >= d.config.APIVolumeThreshold
	result.IsHighFailureRate = stats.Total > 0 && result.FailureRate >= d.config.APIFailureRateThreshold
	result.IsSuspicious = result.IsHighVolume || result.IsHighFailureRate

	if result.IsSuspicious {
		d.triggered(ctx, DetectorUnusualAPIActivity, EventInput{
			Kind:        models.EventUnusualAPIActivity,
			Severity:    models.SeverityWarning,
			Subject:     account,
			Description: "unusual API activity",
			Metadata: models.EventMetadata{
				"request_count":        stats.Total,
				"failed_requests":      stats.Failed,
				"failure_rate":         result.FailureRate,
				"is_high_volume":       result.IsHighVolume,
				"is_high_failure_rate": result.IsHighFailureRate,
				"window":               window.String(),
			},
		})
	}
	return result, nil
}

// DetectionInput carries the caller-supplied signals for RunAll
type DetectionInput struct {
	Account       string
	SourceAddress string
	Country       string
	ExportCount   *int
	RequestStats  *models.RequestStats
}

// RunAll runs every applicable detector for one account. A detector that
// errors or panics is recorded in its result and never stops the others.
func (d *SuspiciousActivityDetector) RunAll(ctx context.Context, in DetectionInput) models.DetectionReport {
	report := models.DetectionReport{Account: in.Account}

	run := func(name string, fn func() (bool, string, error)) {
		report.Results = append(report.Results, d.isolate(ctx, name, fn))
	}

	run(DetectorMultipleFailedLogins, func() (bool, string, error) {
		r, err := d.DetectMultipleFailedLogins(ctx, in.Account, 0, 0)
		return r.IsSuspicious, fmt.Sprintf("%d failed attempts", r.FailedAttempts), err
	})

	if in.SourceAddress != "" {
		run(DetectorNewLocation, func() (bool, string, error) {
			r, err := d.DetectNewLocationLogin(ctx, in.Account, in.SourceAddress, in.Country)
			return r.IsNewLocation, fmt.Sprintf("%d known addresses", r.KnownAddresses), err
		})
	}

	if in.ExportCount != nil {
		run(DetectorBulkExport, func() (bool, string, error) {
			r, err := d.DetectBulkExport(ctx, in.Account, *in.ExportCount, 0, 0)
			return r.IsSuspicious, fmt.Sprintf("%d exports", r.ExportCount), err
		})
	}

	if in.RequestStats != nil {
		run(DetectorUnusualAPIActivity, func() (bool, string, error) {
			r, err := d.DetectUnusualAPIActivity(ctx, in.Account, *in.RequestStats, 0)
			return r.IsSuspicious, fmt.Sprintf("%d requests, failure rate %.2f", r.RequestCount, r.FailureRate), err
		})
	}

	return report
}

func (d *SuspiciousActivityDetector) isolate(ctx context.Context, name string, fn func() (bool, string, error)) (result models.DetectionResult) {
	result.Detector = name
	defer func() {
		if p := recover(); p != nil {
			d.logger.ErrorContext(ctx, "detector panicked",
				slog.String("detector", name),
				slog.Any("panic", p),
			)
			result.Triggered = false
			result.Detail = ""
			result.Error = fmt.Sprintf("detector panicked: %v", p)
		}
	}()

	triggered, detail, err := fn()
	if err != nil {
		d.logger.ErrorContext(ctx, "detector failed",
			slog.String("detector", name),
			slog.Any("error", err),
		)
		result.Error = err.Error()
		return result
	}
	result.Triggered = triggered
	result.Detail = detail
	return result
}
