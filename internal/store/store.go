// Package store provides the ephemeral key-value state used by the security
// core: TTL'd counters, flags, locks and the flag index.
//
// Every counter mutation goes through Increment. Callers never read a value,
// modify it and write it back.
package store

import (
	"context"
	"time"
)

// Store is the ephemeral state contract shared by the Redis and in-memory backends.
type Store interface {
	// Set stores value under key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// Increment atomically adds one to the counter at key. A missing key is
	// created with value 1 and ttl; an existing key keeps its remaining ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime and whether the key exists.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}
