package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/sony/gobreaker"
)

// GuardConfig bounds every call made through a Guarded store
type GuardConfig struct {
	Name          string
	CallTimeout   time.Duration
	MaxFailures   uint32
	ResetTimeout  time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

// Guarded wraps a Store with a per-call timeout and a circuit breaker.
// Any failure, including an open breaker, is reported as models.ErrStoreUnavailable
// so callers can apply one fail-open policy.
type Guarded struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuarded(inner Store, cfg GuardConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "ephemeral-store"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 50 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	maxFailures := cfg.MaxFailures

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: cfg.OnStateChange,
	}

	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.CallTimeout,
	}
}

// State exposes the breaker state for health reporting
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Guarded) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
	}
	return res, nil
}

// Do runs fn under the same timeout and breaker as the Store methods. It lets
// adapters that talk to the backend directly share the failure accounting.
func (g *Guarded) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.execute(ctx, op, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := g.execute(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.Set(ctx, key, value, ttl)
	})
	return err
}

type getResult struct {
	value string
	found bool
}

func (g *Guarded) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := g.execute(ctx, "get", func(ctx context.Context) (interface{}, error) {
		v, ok, err := g.inner.Get(ctx, key)
		return getResult{value: v, found: ok}, err
	})
	if err != nil {
		return "", false, err
	}
	r := res.(getResult)
	return r.value, r.found, nil
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	_, err := g.execute(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.Delete(ctx, key)
	})
	return err
}

func (g *Guarded) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := g.execute(ctx, "increment", func(ctx context.Context) (interface{}, error) {
		return g.inner.Increment(ctx, key, ttl)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

type ttlResult struct {
	ttl   time.Duration
	found bool
}

func (g *Guarded) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	res, err := g.execute(ctx, "ttl", func(ctx context.Context) (interface{}, error) {
		d, ok, err := g.inner.TTL(ctx, key)
		return ttlResult{ttl: d, found: ok}, err
	})
	if err != nil {
		return 0, false, err
	}
	r := res.(ttlResult)
	return r.ttl, r.found, nil
}

func (g *Guarded) SetAdd(ctx context.Context, key, member string) error {
	_, err := g.execute(ctx, "sadd", func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.SetAdd(ctx, key, member)
	})
	return err
}

func (g *Guarded) SetRemove(ctx context.Context, key, member string) error {
	_, err := g.execute(ctx, "srem", func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.SetRemove(ctx, key, member)
	})
	return err
}

func (g *Guarded) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := g.execute(ctx, "smembers", func(ctx context.Context) (interface{}, error) {
		return g.inner.SetMembers(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.execute(ctx, "ping", func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.Ping(ctx)
	})
	return err
}
