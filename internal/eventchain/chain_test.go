package eventchain

import (
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(kind models.EventKind, meta models.EventMetadata) models.SecurityEvent {
	subject := "acct-1"
	return models.SecurityEvent{
		ID:          uuid.New(),
		Category:    models.SecurityEventCategory,
		Kind:        kind,
		Severity:    models.SeverityWarning,
		Subject:     &subject,
		Description: "test event",
		Metadata:    meta,
		Timestamp:   time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC),
	}
}

func buildChain(t *testing.T, s *Sealer, n int) []models.SecurityEvent {
	t.Helper()
	events := make([]models.SecurityEvent, 0, n)
	prev := GenesisHash
	for i := 0; i < n; i++ {
		ev := newEvent(models.EventIPFlagged, models.EventMetadata{"index": i, "reason": "brute force"})
		ev.Seq = int64(i + 1)
		require.NoError(t, s.Seal(&ev, prev))
		prev = ev.Hash
		events = append(events, ev)
	}
	return events
}

func TestSeal_LinksAndTruncates(t *testing.T) {
	s := NewSealer("chain-key")
	ev := newEvent(models.EventAccountLocked, nil)

	require.NoError(t, s.Seal(&ev, ""))
	assert.Equal(t, GenesisHash, ev.PrevHash)
	assert.Len(t, ev.Hash, 64)
	assert.Equal(t, 123456000, ev.Timestamp.Nanosecond())
}

func TestVerify_ValidChain(t *testing.T) {
	s := NewSealer("chain-key")
	events := buildChain(t, s, 5)

	result := s.Verify(events, GenesisHash)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Checked)
	assert.Nil(t, result.FirstBadSeq)
}

func TestVerify_DetectsTamperedField(t *testing.T) {
	s := NewSealer("chain-key")
	events := buildChain(t, s, 4)
	events[2].Description = "rewritten"

	result := s.Verify(events, GenesisHash)
	assert.False(t, result.Valid)
	require.NotNil(t, result.FirstBadSeq)
	assert.Equal(t, int64(3), *result.FirstBadSeq)
	assert.Equal(t, "event hash mismatch", result.BrokenReason)
}

func TestVerify_DetectsRemovedEvent(t *testing.T) {
	s := NewSealer("chain-key")
	events := buildChain(t, s, 4)
	events = append(events[:1], events[2:]...)

	result := s.Verify(events, GenesisHash)
	assert.False(t, result.Valid)
	require.NotNil(t, result.FirstBadSeq)
	assert.Equal(t, int64(3), *result.FirstBadSeq)
}

func TestVerify_MetadataSurvivesJSONRoundTrip(t *testing.T) {
	s := NewSealer("chain-key")
	ev := newEvent(models.EventUnusualAPIActivity, models.EventMetadata{"total": 1200, "ratio": 0.5})
	require.NoError(t, s.Seal(&ev, GenesisHash))

	// JSONB decodes numbers as float64
	ev.Metadata = models.EventMetadata{"ratio": 0.5, "total": float64(1200)}
	result := s.Verify([]models.SecurityEvent{ev}, GenesisHash)
	assert.True(t, result.Valid)
}

func TestVerify_WrongKeyFails(t *testing.T) {
	events := buildChain(t, NewSealer("chain-key"), 2)
	result := NewSealer("other-key").Verify(events, GenesisHash)
	assert.False(t, result.Valid)
}
