package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerSpool_EnqueueReplayRemove(t *testing.T) {
	ctx := context.Background()
	spool, err := OpenLedgerSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer spool.Close()

	account := "acct-42"
	first := &models.AttemptRecord{
		ID:              uuid.New(),
		Identity:        "alice@example.com",
		ResolvedAccount: &account,
		Outcome:         models.OutcomeBadCredential,
		SourceAddress:   "203.0.113.7",
		Geo:             &models.GeoLocation{Country: "NL", City: "Amsterdam"},
		Timestamp:       time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	second := &models.AttemptRecord{
		ID:            uuid.New(),
		Identity:      "bob@example.com",
		Outcome:       models.OutcomeSuccess,
		SourceAddress: "198.51.100.1",
		Timestamp:     time.Date(2025, 4, 1, 8, 1, 0, 0, time.UTC),
	}

	require.NoError(t, spool.Enqueue(ctx, first))
	require.NoError(t, spool.Enqueue(ctx, second))

	n, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := spool.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].Record.ID)
	assert.Equal(t, "acct-42", *pending[0].Record.ResolvedAccount)
	assert.Equal(t, "Amsterdam", pending[0].Record.Geo.City)
	assert.True(t, first.Timestamp.Equal(pending[0].Record.Timestamp))
	assert.Equal(t, second.ID, pending[1].Record.ID)

	require.NoError(t, spool.Remove(ctx, pending[0].SpoolID))
	pending, err = spool.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].Record.ID)
}

func TestLedgerSpool_UndecodableRowsAreDeadLettered(t *testing.T) {
	ctx := context.Background()
	spool, err := OpenLedgerSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer spool.Close()

	_, err = spool.db.ExecContext(ctx,
		`INSERT INTO pending_attempts (record, queued_at) VALUES (?, ?)`, "{not json", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	good := &models.AttemptRecord{
		ID:            uuid.New(),
		Identity:      "carol@example.com",
		Outcome:       models.OutcomeBadCredential,
		SourceAddress: "192.0.2.10",
		Timestamp:     time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, spool.Enqueue(ctx, good))

	pending, err := spool.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, good.ID, pending[0].Record.ID)

	queued, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	dead, err := spool.DeadLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)

	// A later read no longer sees the bad row
	pending, err = spool.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLedgerSpool_DeadLetter(t *testing.T) {
	ctx := context.Background()
	spool, err := OpenLedgerSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer spool.Close()

	require.NoError(t, spool.Enqueue(ctx, &models.AttemptRecord{
		ID:            uuid.New(),
		Identity:      "dave@example.com",
		Outcome:       models.OutcomeSuccess,
		SourceAddress: "192.0.2.11",
		Timestamp:     time.Now().UTC(),
	}))
	pending, err := spool.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, spool.DeadLetter(ctx, pending[0].SpoolID, "bad request: attempt_ledger_outcome_check"))

	var reason string
	require.NoError(t, spool.db.QueryRowContext(ctx,
		`SELECT reason FROM dead_attempts WHERE spool_id = ?`, pending[0].SpoolID).Scan(&reason))
	assert.Contains(t, reason, "outcome_check")

	queued, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}
