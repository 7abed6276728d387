package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/eventchain"
	"github.com/BradenHooton/bastion/internal/events"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
)

// SecurityEventRepository defines persistence for the security event trail
type SecurityEventRepository interface {
	Append(ctx context.Context, ev *models.SecurityEvent) error
	CountSince(ctx context.Context, since time.Time) (int, error)
	Recent(ctx context.Context, limit int) ([]models.SecurityEvent, error)
	BySubject(ctx context.Context, subject string, limit int, offset int) ([]models.SecurityEvent, error)
	ChainSegment(ctx context.Context, afterSeq int64, limit int) ([]models.SecurityEvent, error)
}

// ChainVerifier re-hashes a run of events
type ChainVerifier interface {
	Verify(events []models.SecurityEvent, expectedPrev string) models.ChainVerification
}

// EventInput describes an event to emit. Empty optional fields are stored as NULL.
type EventInput struct {
	Kind          models.EventKind
	Severity      models.Severity
	Subject       string
	Tenant        string
	SourceAddress string
	Description   string
	Metadata      models.EventMetadata
}

// EventSink is what every security component writes to
type EventSink interface {
	Emit(ctx context.Context, in EventInput) *models.SecurityEvent
}

const chainVerifyBatch = 500

const (
	defaultEventPage = 50
	maxEventPage     = 200
)

// SecurityEventSink dual-writes events to slog and the database, then fans
// them out to the publisher and, for critical events, the alerter.
// Emit never fails the caller.
type SecurityEventSink struct {
	repo      SecurityEventRepository
	verifier  ChainVerifier
	publisher events.Publisher
	alerter   Alerter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewSecurityEventSink creates a new SecurityEventSink. publisher and alerter may be nil.
func NewSecurityEventSink(repo SecurityEventRepository, verifier ChainVerifier, publisher events.Publisher, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *SecurityEventSink {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &SecurityEventSink{
		repo:      repo,
		verifier:  verifier,
		publisher: publisher,
		alerter:   alerter,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Emit records one security event
func (s *SecurityEventSink) Emit(ctx context.Context, in EventInput) *models.SecurityEvent {
	if in.Metadata == nil {
		in.Metadata = models.EventMetadata{}
	}
	ev := &models.SecurityEvent{
		ID:            uuid.New(),
		Category:      models.SecurityEventCategory,
		Kind:          in.Kind,
		Severity:      in.Severity,
		Subject:       optional(in.Subject),
		Tenant:        optional(in.Tenant),
		SourceAddress: optional(in.SourceAddress),
		Description:   in.Description,
		Metadata:      in.Metadata,
		Timestamp:     s.now().UTC(),
	}

	attrs := []any{
		slog.String("category", ev.Category),
		slog.String("kind", string(ev.Kind)),
		slog.String("severity", string(ev.Severity)),
		slog.String("event_id", ev.ID.String()),
		slog.String("subject", in.Subject),
		slog.String("source_address", in.SourceAddress),
		slog.String("description", ev.Description),
		slog.Any("metadata", ev.Metadata),
	}
	switch ev.Severity {
	case models.SeverityInfo:
		s.logger.InfoContext(ctx, "security event", attrs...)
	case models.SeverityWarning:
		s.logger.WarnContext(ctx, "security event", attrs...)
	default:
		s.logger.ErrorContext(ctx, "security event", attrs...)
	}

	s.metrics.SecurityEvents.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()

	if err := s.repo.Append(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("event_id", ev.ID.String()),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
		// Still published below so that subscribers see it
	}

	if err := s.publisher.Publish(ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish security event",
			slog.String("event_id", ev.ID.String()),
			slog.Any("error", err),
		)
	}

	if ev.Severity == models.SeverityCritical && s.alerter != nil {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		go func() {
			defer cancel()
			if err := s.alerter.SendAlert(alertCtx, ev); err != nil {
				s.logger.Error("failed to send critical alert",
					slog.String("event_id", ev.ID.String()),
					slog.Any("error", err),
				)
			}
		}()
	}

	return ev
}

// CountSince counts persisted events in the trailing window
func (s *SecurityEventSink) CountSince(ctx context.Context, since time.Time) (int, error) {
	return s.repo.CountSince(ctx, since)
}

// Recent returns the newest persisted events
func (s *SecurityEventSink) Recent(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	return s.repo.Recent(ctx, limit)
}

// EventsBySubject pages through the events concerning one account, newest first
func (s *SecurityEventSink) EventsBySubject(ctx context.Context, subject string, limit, offset int) ([]models.SecurityEvent, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", models.ErrBadRequest)
	}
	if limit <= 0 || limit > maxEventPage {
		limit = defaultEventPage
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.BySubject(ctx, subject, limit, offset)
}

// VerifyChain re-hashes the whole persisted trail in batches and reports the first break
func (s *SecurityEventSink) VerifyChain(ctx context.Context) (models.ChainVerification, error) {
	total := models.ChainVerification{Valid: true}
	prev := eventchain.GenesisHash
	var afterSeq int64

	for {
		batch, err := s.repo.ChainSegment(ctx, afterSeq, chainVerifyBatch)
		if err != nil {
			return total, fmt.Errorf("failed to load event chain: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		result := s.verifier.Verify(batch, prev)
		total.Checked += result.Checked
		if !result.Valid {
			total.Valid = false
			total.FirstBadSeq = result.FirstBadSeq
			total.BrokenReason = result.BrokenReason
			return total, nil
		}

		last := batch[len(batch)-1]
		prev = last.Hash
		afterSeq = last.Seq
	}
}
