package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGeoResolver implements GeoResolver for testing
type MockGeoResolver struct {
	LookupFunc func(address string) (*models.GeoLocation, error)
}

func (m *MockGeoResolver) Lookup(address string) (*models.GeoLocation, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(address)
	}
	return nil, nil
}

func newTestAttemptService(ledger *memoryLedger, spool *MockSpool, geo GeoResolver) (*AttemptService, *recordingSink, *metrics.Metrics) {
	sink := &recordingSink{}
	m := metrics.New()
	log := testLogger()
	var sp LedgerSpool
	if spool != nil {
		sp = spool
	}
	svc := NewAttemptService(ledger, sp, geo, sink, logger.NewAuditLogger(log, "test"), m, log)
	return svc, sink, m
}

func TestAttemptService_RecordAttemptEnrichesRecord(t *testing.T) {
	ledger := &memoryLedger{}
	geo := &MockGeoResolver{
		LookupFunc: func(address string) (*models.GeoLocation, error) {
			return &models.GeoLocation{Country: "NL", City: "Amsterdam"}, nil
		},
	}
	svc, _, _ := newTestAttemptService(ledger, nil, geo)

	account := "acct-1"
	rec, err := svc.RecordAttempt(context.Background(), models.AttemptInput{
		SourceAddress:   "203.0.113.4",
		Identity:        "Alice@Example.com",
		Outcome:         models.OutcomeSuccess,
		ResolvedAccount: &account,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", rec.Identity)
	require.NotNil(t, rec.Geo)
	assert.Equal(t, "NL", rec.Geo.Country)
	assert.Contains(t, rec.ClientDescriptor, "Chrome/120")
	assert.Equal(t, 1, ledger.len())
}

func TestAttemptService_EmptyAccountIsNil(t *testing.T) {
	svc, _, _ := newTestAttemptService(&memoryLedger{}, nil, nil)

	empty := ""
	rec, err := svc.RecordAttempt(context.Background(), models.AttemptInput{
		SourceAddress:   "203.0.113.4",
		Identity:        "alice",
		Outcome:         models.OutcomeUnknownAccount,
		ResolvedAccount: &empty,
	})
	require.NoError(t, err)
	assert.Nil(t, rec.ResolvedAccount)
	assert.Nil(t, rec.Geo)
}

func TestAttemptService_GeoFailureIsIgnored(t *testing.T) {
	geo := &MockGeoResolver{
		LookupFunc: func(string) (*models.GeoLocation, error) { return nil, errBackend },
	}
	svc, _, _ := newTestAttemptService(&memoryLedger{}, nil, geo)

	rec, err := svc.RecordAttempt(context.Background(), models.AttemptInput{
		SourceAddress: "203.0.113.4",
		Identity:      "alice",
		Outcome:       models.OutcomeBadCredential,
	})
	require.NoError(t, err)
	assert.Nil(t, rec.Geo)
}

func TestAttemptService_SpoolsOnLedgerFailureAndReplays(t *testing.T) {
	ledger := &memoryLedger{AppendErr: errBackend}
	spool := &MockSpool{}
	svc, sink, m := newTestAttemptService(ledger, spool, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordAttempt(ctx, models.AttemptInput{
			SourceAddress: "203.0.113.4",
			Identity:      "alice",
			Outcome:       models.OutcomeBadCredential,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, spool.len())
	assert.Equal(t, 0, ledger.len())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LedgerSpooled))
	// Throttled to one event per interval
	assert.Equal(t, 1, sink.count(models.EventLedgerWriteFailed))
	assert.Equal(t, true, sink.last().Metadata["spooled"])

	// Still down: nothing replayed, nothing lost
	n, err := svc.ReplaySpool(ctx, 10)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, spool.len())

	ledger.mu.Lock()
	ledger.AppendErr = nil
	ledger.mu.Unlock()

	n, err = svc.ReplaySpool(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, spool.len())

	n, err = svc.ReplaySpool(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, spool.len())
	assert.Equal(t, 3, ledger.len())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LedgerReplayed))
}

func TestAttemptService_ReplayDeadLettersRejectedRecords(t *testing.T) {
	ledger := &memoryLedger{AppendErr: errBackend}
	spool := &MockSpool{}
	svc, _, m := newTestAttemptService(ledger, spool, nil)
	ctx := context.Background()

	for _, identity := range []string{"alice", "mallory", "bob"} {
		_, err := svc.RecordAttempt(ctx, models.AttemptInput{
			SourceAddress: "203.0.113.4",
			Identity:      identity,
			Outcome:       models.OutcomeBadCredential,
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, spool.len())

	ledger.mu.Lock()
	ledger.AppendErr = nil
	ledger.RejectFunc = func(rec *models.AttemptRecord) error {
		if rec.Identity == "mallory" {
			return fmt.Errorf("failed to append attempt: %w: attempt_ledger_outcome_check", models.ErrBadRequest)
		}
		return nil
	}
	ledger.mu.Unlock()

	n, err := svc.ReplaySpool(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, spool.len())
	assert.Len(t, spool.dead, 1)
	assert.Equal(t, 2, ledger.len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerDead))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LedgerReplayed))
}

func TestAttemptService_ReplayStopsOnTransientFailure(t *testing.T) {
	ledger := &memoryLedger{AppendErr: errBackend}
	spool := &MockSpool{}
	svc, _, m := newTestAttemptService(ledger, spool, nil)
	ctx := context.Background()

	_, err := svc.RecordAttempt(ctx, models.AttemptInput{
		SourceAddress: "203.0.113.4",
		Identity:      "alice",
		Outcome:       models.OutcomeBadCredential,
	})
	require.NoError(t, err)

	_, err = svc.ReplaySpool(ctx, 10)
	assert.True(t, errors.Is(err, models.ErrLedgerWriteFailed))
	assert.Equal(t, 1, spool.len())
	assert.Empty(t, spool.dead)
	assert.Zero(t, testutil.ToFloat64(m.LedgerDead))
}

func TestAttemptService_SpoolFailureStillReturnsRecord(t *testing.T) {
	ledger := &memoryLedger{AppendErr: errBackend}
	spool := &MockSpool{EnqueueErr: errBackend}
	svc, sink, _ := newTestAttemptService(ledger, spool, nil)

	rec, err := svc.RecordAttempt(context.Background(), models.AttemptInput{
		SourceAddress: "203.0.113.4",
		Identity:      "alice",
		Outcome:       models.OutcomeBadCredential,
	})
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, false, sink.last().Metadata["spooled"])
}

func TestDescribeClient(t *testing.T) {
	assert.Equal(t, "", DescribeClient(""))

	desc := DescribeClient("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	assert.Contains(t, desc, "Safari")
	assert.Contains(t, desc, "(phone)")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	// "é" is two bytes; cutting after its first byte backs off to a rune boundary
	assert.Equal(t, "a", truncate("aé", 2))
}
