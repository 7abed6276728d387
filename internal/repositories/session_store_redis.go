package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/store"
	"github.com/go-redis/redis/v8"
)

// deleteSessionScript drops a session only when it is indexed under the given
// account, so one account cannot end another's session.
const deleteSessionScript = `
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('DEL', KEYS[2])
end
return removed
`

// CallGuard bounds a backend call with a timeout and circuit breaker
type CallGuard interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// RedisSessionStore keeps live sessions as Redis hashes, indexed per account by a set
type RedisSessionStore struct {
	client *redis.Client
	keys   store.KeySpace
	guard  CallGuard
}

// NewRedisSessionStore creates the store. A nil guard runs calls unbounded.
func NewRedisSessionStore(client *redis.Client, keys store.KeySpace, guard CallGuard) *RedisSessionStore {
	return &RedisSessionStore{client: client, keys: keys, guard: guard}
}

func (s *RedisSessionStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.guard == nil {
		return fn(ctx)
	}
	return s.guard.Do(ctx, op, fn)
}

// ListByAccount returns the live sessions for account. Index members whose
// session hash has expired are removed.
func (s *RedisSessionStore) ListByAccount(ctx context.Context, account string) ([]models.SessionRecord, error) {
	var sessions []models.SessionRecord
	err := s.do(ctx, "session_list", func(ctx context.Context) error {
		var err error
		sessions, err = s.listByAccount(ctx, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *RedisSessionStore) listByAccount(ctx context.Context, account string) ([]models.SessionRecord, error) {
	acctKey := s.keys.AccountSessions(account)

	members, err := s.client.SMembers(ctx, acctKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list account sessions: %w", err)
	}
	if len(members) == 0 {
		return []models.SessionRecord{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, s.keys.Session(m))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]models.SessionRecord, 0, len(members))
	for i, m := range members {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			_ = s.client.SRem(ctx, acctKey, m).Err()
			continue
		}
		rec := models.SessionRecord{SessionKey: m, AccountID: fields["account_id"]}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
		rec.LastSeenAt, _ = time.Parse(time.RFC3339Nano, fields["last_seen_at"])
		sessions = append(sessions, rec)
	}
	return sessions, nil
}

// Delete removes sessionKey if it belongs to account and returns how many
// sessions were removed (0 or 1)
func (s *RedisSessionStore) Delete(ctx context.Context, account, sessionKey string) (int, error) {
	var removed int64
	err := s.do(ctx, "session_delete", func(ctx context.Context) error {
		var err error
		removed, err = s.client.Eval(ctx, deleteSessionScript,
			[]string{s.keys.AccountSessions(account), s.keys.Session(sessionKey)},
			sessionKey,
		).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}
	return int(removed), nil
}

// DeleteAll removes every session belonging to account and returns how many were indexed
func (s *RedisSessionStore) DeleteAll(ctx context.Context, account string) (int, error) {
	var removed int
	err := s.do(ctx, "session_delete_all", func(ctx context.Context) error {
		acctKey := s.keys.AccountSessions(account)

		members, err := s.client.SMembers(ctx, acctKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list account sessions: %w", err)
		}

		keys := make([]string, 0, len(members)+1)
		for _, m := range members {
			keys = append(keys, s.keys.Session(m))
		}
		keys = append(keys, acctKey)

		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
		removed = len(members)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
