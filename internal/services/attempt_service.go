package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/logger"
	"github.com/avct/uasurfer"
	"github.com/google/uuid"
)

const maxClientDescriptorLength = 512

// LedgerWriter appends attempt records to the durable ledger
type LedgerWriter interface {
	Append(ctx context.Context, rec *models.AttemptRecord) error
}

// LedgerSpool holds records that could not be appended
type LedgerSpool interface {
	Enqueue(ctx context.Context, rec *models.AttemptRecord) error
	Pending(ctx context.Context, limit int) ([]models.SpooledAttempt, error)
	Remove(ctx context.Context, spoolID int64) error
	DeadLetter(ctx context.Context, spoolID int64, reason string) error
}

// GeoResolver maps a source address to a coarse location
type GeoResolver interface {
	Lookup(address string) (*models.GeoLocation, error)
}

// AttemptService writes enriched AttemptRecords. A ledger failure never fails the caller.
type AttemptService struct {
	ledger  LedgerWriter
	spool   LedgerSpool
	geo     GeoResolver
	audit   *logger.AuditLogger
	metrics *metrics.Metrics
	failure *failurePolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewAttemptService creates a new AttemptService. spool and geo may be nil.
func NewAttemptService(ledger LedgerWriter, spool LedgerSpool, geo GeoResolver, sink EventSink, audit *logger.AuditLogger, m *metrics.Metrics, log *slog.Logger) *AttemptService {
	return &AttemptService{
		ledger:  ledger,
		spool:   spool,
		geo:     geo,
		audit:   audit,
		metrics: m,
		failure: newFailurePolicy("attempt_ledger", sink, m, log),
		logger:  log,
		now:     time.Now,
	}
}

// RecordAttempt validates and appends one attempt. The record is returned
// even when it could only be spooled or was lost.
func (s *AttemptService) RecordAttempt(ctx context.Context, in models.AttemptInput) (*models.AttemptRecord, error) {
	if err := validateAddress(in.SourceAddress); err != nil {
		return nil, err
	}
	if err := validateIdentity(in.Identity); err != nil {
		return nil, err
	}
	if !in.Outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidOutcome, in.Outcome)
	}
	if in.ResolvedAccount != nil {
		if *in.ResolvedAccount == "" {
			in.ResolvedAccount = nil
		} else if err := validateIdentity(*in.ResolvedAccount); err != nil {
			return nil, err
		}
	}

	rec := &models.AttemptRecord{
		ID:               uuid.New(),
		Identity:         normalizeIdentity(in.Identity),
		ResolvedAccount:  in.ResolvedAccount,
		Outcome:          in.Outcome,
		SourceAddress:    in.SourceAddress,
		ClientDescriptor: truncate(in.UserAgent, maxClientDescriptorLength),
		Timestamp:        s.now().UTC(),
	}
	rec.Geo = s.lookupGeo(ctx, in.SourceAddress)

	spooled := false
	if err := s.ledger.Append(ctx, rec); err != nil {
		spooled = s.spoolRecord(ctx, rec)
		s.failure.ledgerWriteFailed(ctx, fmt.Errorf("%w: %v", models.ErrLedgerWriteFailed, err), spooled)
	}

	s.auditAttempt(ctx, rec, spooled)
	return rec, nil
}

func (s *AttemptService) lookupGeo(ctx context.Context, address string) *models.GeoLocation {
	if s.geo == nil {
		return nil
	}
	loc, err := s.geo.Lookup(address)
	if err != nil {
		s.logger.DebugContext(ctx, "geo lookup failed", slog.Any("error", err))
		return nil
	}
	return loc
}

func (s *AttemptService) spoolRecord(ctx context.Context, rec *models.AttemptRecord) bool {
	if s.spool == nil {
		return false
	}
	if err := s.spool.Enqueue(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to spool attempt record",
			slog.String("attempt_id", rec.ID.String()),
			slog.Any("error", err),
		)
		return false
	}
	s.metrics.LedgerSpooled.Inc()
	return true
}

func (s *AttemptService) auditAttempt(ctx context.Context, rec *models.AttemptRecord, spooled bool) {
	if s.audit == nil {
		return
	}
	a := logger.AttemptAudit{
		AttemptID:     rec.ID.String(),
		Identity:      rec.Identity,
		Outcome:       string(rec.Outcome),
		SourceAddress: rec.SourceAddress,
		Client:        DescribeClient(rec.ClientDescriptor),
		Spooled:       spooled,
	}
	if rec.ResolvedAccount != nil {
		a.Account = *rec.ResolvedAccount
	}
	if rec.Geo != nil {
		a.Country = rec.Geo.Country
	}
	s.audit.LogAttempt(ctx, a, rec.Outcome.IsSuccess())
}

// ReplaySpool moves up to limit spooled records into the ledger, oldest first.
// A record the ledger rejects outright is dead-lettered and replay continues;
// any other append failure stops the cycle. Returns how many were replayed.
func (s *AttemptService) ReplaySpool(ctx context.Context, limit int) (int, error) {
	if s.spool == nil {
		return 0, nil
	}

	pending, err := s.spool.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, item := range pending {
		rec := item.Record
		if err := s.ledger.Append(ctx, &rec); err != nil {
			if !rejectedForever(err) {
				return replayed, fmt.Errorf("%w: replay of spooled attempt %d: %v", models.ErrLedgerWriteFailed, item.SpoolID, err)
			}
			if err := s.spool.DeadLetter(ctx, item.SpoolID, err.Error()); err != nil {
				return replayed, err
			}
			s.metrics.LedgerDead.Inc()
			s.logger.ErrorContext(ctx, "spooled attempt rejected by ledger, dead-lettered",
				slog.Int64("spool_id", item.SpoolID),
				slog.String("attempt_id", rec.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		// Append is idempotent on the record id, so a failed Remove only causes a harmless retry
		if err := s.spool.Remove(ctx, item.SpoolID); err != nil {
			return replayed, err
		}
		replayed++
		s.metrics.LedgerReplayed.Inc()
	}
	return replayed, nil
}

// rejectedForever reports ledger errors that retrying cannot fix
func rejectedForever(err error) bool {
	return errors.Is(err, models.ErrBadRequest) || errors.Is(err, models.ErrForbidden)
}

// DescribeClient summarises a user-agent string as "Browser on OS (device)"
func DescribeClient(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	ua := uasurfer.Parse(userAgent)

	device := "unknown device"
	switch ua.DeviceType {
	case uasurfer.DeviceComputer:
		device = "computer"
	case uasurfer.DeviceTablet:
		device = "tablet"
	case uasurfer.DevicePhone:
		device = "phone"
	case uasurfer.DeviceConsole:
		device = "console"
	case uasurfer.DeviceWearable:
		device = "wearable"
	case uasurfer.DeviceTV:
		device = "tv"
	}

	browser := strings.TrimPrefix(ua.Browser.Name.String(), "Browser")
	if ua.IsBot() {
		browser = "bot"
	}
	return fmt.Sprintf("%s on %s (%s)", browser, strings.TrimPrefix(ua.OS.Name.String(), "OS"), device)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid cutting a multi-byte rune in half
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
