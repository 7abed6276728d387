package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

const defaultFailureEventInterval = time.Minute

// failurePolicy is the single place where backing-store failures are absorbed.
// Every failure is logged and counted. A SecurityEvent is emitted at most once
// per operation per interval so that an outage does not flood the event trail.
type failurePolicy struct {
	component string
	sink      EventSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func newFailurePolicy(component string, sink EventSink, m *metrics.Metrics, logger *slog.Logger) *failurePolicy {
	return &failurePolicy{
		component: component,
		sink:      sink,
		metrics:   m,
		logger:    logger,
		interval:  defaultFailureEventInterval,
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
}

// due reports whether an event for key may be emitted now and records it
func (p *failurePolicy) due(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if last, ok := p.last[key]; ok && now.Sub(last) < p.interval {
		return false
	}
	p.last[key] = now
	return true
}

// storeUnavailable records that operation failed open
func (p *failurePolicy) storeUnavailable(ctx context.Context, operation string, err error) {
	p.metrics.FailOpen.WithLabelValues(p.component, operation).Inc()
	p.logger.ErrorContext(ctx, "backing store unavailable, failing open",
		slog.String("component", p.component),
		slog.String("operation", operation),
		slog.Any("error", err),
	)

	if !p.due(string(models.EventStoreUnavailable) + ":" + operation) {
		return
	}
	p.sink.Emit(ctx, EventInput{
		Kind:        models.EventStoreUnavailable,
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("%s: %s failed open", p.component, operation),
		Metadata: models.EventMetadata{
			"component": p.component,
			"operation": operation,
			"error":     err.Error(),
		},
	})
}

// ledgerWriteFailed records a lost or spooled attempt record
func (p *failurePolicy) ledgerWriteFailed(ctx context.Context, err error, spooled bool) {
	p.logger.ErrorContext(ctx, "attempt ledger write failed",
		slog.String("component", p.component),
		slog.Bool("spooled", spooled),
		slog.Any("error", err),
	)

	if !p.due(string(models.EventLedgerWriteFailed)) {
		return
	}
	p.sink.Emit(ctx, EventInput{
		Kind:        models.EventLedgerWriteFailed,
		Severity:    models.SeverityError,
		Description: "attempt ledger write failed",
		Metadata: models.EventMetadata{
			"spooled": spooled,
			"error":   err.Error(),
		},
	})
}
