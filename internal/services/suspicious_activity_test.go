package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(ledger AccountLedger) (*SuspiciousActivityDetector, *recordingSink, *testClock) {
	sink := &recordingSink{}
	clock := newTestClock()
	d := NewSuspiciousActivityDetector(ledger, sink, DefaultDetectorConfig(), metrics.New(), testLogger())
	d.now = clock.Now
	return d, sink, clock
}

// MockAccountLedger implements AccountLedger for testing
type MockAccountLedger struct {
	CountFailuresByAccountFunc func(ctx context.Context, account string, since time.Time) (int, error)
	SuccessfulAddressesFunc    func(ctx context.Context, account string, since time.Time) ([]string, error)
}

func (m *MockAccountLedger) CountFailuresByAccount(ctx context.Context, account string, since time.Time) (int, error) {
	if m.CountFailuresByAccountFunc != nil {
		return m.CountFailuresByAccountFunc(ctx, account, since)
	}
	return 0, nil
}

func (m *MockAccountLedger) SuccessfulAddresses(ctx context.Context, account string, since time.Time) ([]string, error) {
	if m.SuccessfulAddressesFunc != nil {
		return m.SuccessfulAddressesFunc(ctx, account, since)
	}
	return []string{}, nil
}

func TestDetectMultipleFailedLogins(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		suspicious bool
	}{
		{"below threshold", 4, false},
		{"at threshold", 5, true},
		{"above threshold", 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSince time.Time
			ledger := &MockAccountLedger{
				CountFailuresByAccountFunc: func(ctx context.Context, account string, since time.Time) (int, error) {
					gotSince = since
					return tt.failures, nil
				},
			}
			d, sink, clock := newTestDetector(ledger)

			result, err := d.DetectMultipleFailedLogins(context.Background(), "acct-1", 0, 0)
			require.NoError(t, err)

			assert.Equal(t, tt.suspicious, result.IsSuspicious)
			assert.Equal(t, tt.failures, result.FailedAttempts)
			assert.Equal(t, clock.Now().Add(-24*time.Hour), gotSince)

			want := 0
			if tt.suspicious {
				want = 1
			}
			assert.Equal(t, want, sink.count(models.EventMultipleFailedLogins))
		})
	}
}

func TestDetectMultipleFailedLogins_OneEventPerTriggeringCall(t *testing.T) {
	ledger := &MockAccountLedger{
		CountFailuresByAccountFunc: func(context.Context, string, time.Time) (int, error) { return 7, nil },
	}
	d, sink, _ := newTestDetector(ledger)

	for i := 0; i < 3; i++ {
		_, err := d.DetectMultipleFailedLogins(context.Background(), "acct-1", 0, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sink.count(models.EventMultipleFailedLogins))
}

func TestDetectMultipleFailedLogins_AgainstLedger(t *testing.T) {
	f := newFixture()
	d, sink, _ := newTestDetector(f.ledger)
	d.now = f.clock.Now

	for i := 0; i < 5; i++ {
		f.fail("10.1.0.1", "acct-9")
	}
	result, err := d.DetectMultipleFailedLogins(context.Background(), "acct-9", 0, 0)
	require.NoError(t, err)
	assert.True(t, result.IsSuspicious)
	assert.Equal(t, 5, result.FailedAttempts)
	assert.Equal(t, 1, sink.count(models.EventMultipleFailedLogins))

	// Outside the 24h window the failures no longer count
	f.clock.Advance(25 * time.Hour)
	result, err = d.DetectMultipleFailedLogins(context.Background(), "acct-9", 0, 0)
	require.NoError(t, err)
	assert.False(t, result.IsSuspicious)
}

func TestDetectNewLocationLogin(t *testing.T) {
	f := newFixture()
	d, sink, _ := newTestDetector(f.ledger)
	ctx := context.Background()

	f.succeed("198.51.100.1", "acct-1")
	// A failed attempt does not make its address known
	f.fail("198.51.100.2", "acct-1")

	result, err := d.DetectNewLocationLogin(ctx, "acct-1", "198.51.100.1", "US")
	require.NoError(t, err)
	assert.False(t, result.IsNewLocation)
	assert.Equal(t, 1, result.KnownAddresses)

	result, err = d.DetectNewLocationLogin(ctx, "acct-1", "198.51.100.2", "DE")
	require.NoError(t, err)
	assert.True(t, result.IsNewLocation)
	assert.Equal(t, 1, sink.count(models.EventNewLocationLogin))
	assert.Equal(t, "DE", sink.last().Metadata["country"])
}

func TestDetectBulkExport(t *testing.T) {
	d, sink, _ := newTestDetector(&MockAccountLedger{})
	ctx := context.Background()

	result, err := d.DetectBulkExport(ctx, "acct-1", 10, 0, 0)
	require.NoError(t, err)
	assert.False(t, result.IsSuspicious)

	result, err = d.DetectBulkExport(ctx, "acct-1", 11, 0, 0)
	require.NoError(t, err)
	assert.True(t, result.IsSuspicious)
	assert.Equal(t, 10, result.Threshold)
	assert.Equal(t, 1, sink.count(models.EventBulkExport))

	_, err = d.DetectBulkExport(ctx, "acct-1", -1, 0, 0)
	assert.True(t, errors.Is(err, models.ErrBadRequest))
}

func TestDetectUnusualAPIActivity(t *testing.T) {
	tests := []struct {
		name        string
		stats       models.RequestStats
		highVolume  bool
		highFailure bool
	}{
		{"quiet", models.RequestStats{Total: 100, Failed: 10}, false, false},
		{"high volume", models.RequestStats{Total: 1100, Failed: 20}, true, false},
		{"volume at threshold", models.RequestStats{Total: 1000}, true, false},
		{"high failure rate", models.RequestStats{Total: 40, Failed: 20}, false, true},
		{"both", models.RequestStats{Total: 2000, Failed: 1500}, true, true},
		{"no traffic", models.RequestStats{}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, sink, _ := newTestDetector(&MockAccountLedger{})

			result, err := d.DetectUnusualAPIActivity(context.Background(), "acct-1", tt.stats, 0)
			require.NoError(t, err)

			assert.Equal(t, tt.highVolume, result.IsHighVolume)
			assert.Equal(t, tt.highFailure, result.IsHighFailureRate)
			assert.Equal(t, tt.highVolume || tt.highFailure, result.IsSuspicious)

			want := 0
			if result.IsSuspicious {
				want = 1
			}
			assert.Equal(t, want, sink.count(models.EventUnusualAPIActivity))
		})
	}
}

func TestDetectUnusualAPIActivity_RejectsInconsistentStats(t *testing.T) {
	d, _, _ := newTestDetector(&MockAccountLedger{})

	_, err := d.DetectUnusualAPIActivity(context.Background(), "acct-1", models.RequestStats{Total: 1, Failed: 2}, 0)
	assert.True(t, errors.Is(err, models.ErrBadRequest))
}

func TestRunAll_IsolatesFailingDetectors(t *testing.T) {
	ledger := &MockAccountLedger{
		CountFailuresByAccountFunc: func(context.Context, string, time.Time) (int, error) {
			return 0, errBackend
		},
		SuccessfulAddressesFunc: func(context.Context, string, time.Time) ([]string, error) {
			panic("ledger exploded")
		},
	}
	d, sink, _ := newTestDetector(ledger)
	exports := 50

	report := d.RunAll(context.Background(), DetectionInput{
		Account:       "acct-1",
		SourceAddress: "203.0.113.9",
		ExportCount:   &exports,
		RequestStats:  &models.RequestStats{Total: 1100},
	})

	require.Len(t, report.Results, 4)
	byName := map[string]models.DetectionResult{}
	for _, r := range report.Results {
		byName[r.Detector] = r
	}

	assert.NotEmpty(t, byName[DetectorMultipleFailedLogins].Error)
	assert.Contains(t, byName[DetectorNewLocation].Error, "panicked")
	assert.False(t, byName[DetectorNewLocation].Triggered)
	assert.True(t, byName[DetectorBulkExport].Triggered)
	assert.True(t, byName[DetectorUnusualAPIActivity].Triggered)

	assert.Equal(t, 1, sink.count(models.EventBulkExport))
	assert.Equal(t, 1, sink.count(models.EventUnusualAPIActivity))
}

func TestRunAll_SkipsDetectorsWithoutInput(t *testing.T) {
	d, _, _ := newTestDetector(&MockAccountLedger{})

	report := d.RunAll(context.Background(), DetectionInput{Account: "acct-1"})

	require.Len(t, report.Results, 1)
	assert.Equal(t, DetectorMultipleFailedLogins, report.Results[0].Detector)
	assert.False(t, report.Results[0].Triggered)
	assert.Empty(t, report.Results[0].Error)
}
