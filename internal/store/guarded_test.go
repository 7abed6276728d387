package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails every call, or blocks until the context expires when slow is set
type failingStore struct {
	*MemoryStore
	calls int
	slow  bool
}

func (f *failingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.calls++
	if f.slow {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return 0, errors.New("dial tcp: connection refused")
}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.calls++
	return "", false, errors.New("dial tcp: connection refused")
}

func TestGuarded_PassesThroughOnSuccess(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), GuardConfig{Name: "test"})
	ctx := context.Background()

	n, err := g.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, g.Set(ctx, "a", "b", time.Minute))
	v, found, err := g.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", v)

	_, found, err = g.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "a missing key is not an error")
}

func TestGuarded_MapsFailuresToStoreUnavailable(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore()}
	g := NewGuarded(inner, GuardConfig{Name: "test", MaxFailures: 100})

	_, err := g.Increment(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))

	_, _, err = g.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
}

func TestGuarded_TimesOutSlowCalls(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore(), slow: true}
	g := NewGuarded(inner, GuardConfig{Name: "test", CallTimeout: 10 * time.Millisecond, MaxFailures: 100})

	start := time.Now()
	_, err := g.Increment(context.Background(), "k", time.Minute)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuarded_OpensBreakerAfterConsecutiveFailures(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore()}
	var transitions []gobreaker.State
	g := NewGuarded(inner, GuardConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Minute,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})

	for i := 0; i < 3; i++ {
		_, _ = g.Increment(context.Background(), "k", time.Minute)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	callsBefore := inner.calls
	_, err := g.Increment(context.Background(), "k", time.Minute)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.Equal(t, callsBefore, inner.calls, "open breaker must short-circuit")
}

func TestGuarded_DoSharesTimeoutAndBreaker(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), GuardConfig{Name: "test", CallTimeout: 10 * time.Millisecond, MaxFailures: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	var deadline bool
	require.NoError(t, g.Do(ctx, "session_list", func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	}))
	assert.True(t, deadline)

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < 2; i++ {
		err := g.Do(ctx, "session_delete", slow)
		assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	// An open breaker also refuses the Store methods
	_, _, err := g.Get(ctx, "a")
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
}
