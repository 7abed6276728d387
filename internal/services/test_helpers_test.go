package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/store"
)

var errBackend = errors.New("backend down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testClock is a manually advanced clock shared by services and the memory store
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingSink implements EventSink and keeps every emitted event
type recordingSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *recordingSink) Emit(_ context.Context, in EventInput) *models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := models.SecurityEvent{
		Category:      models.SecurityEventCategory,
		Kind:          in.Kind,
		Severity:      in.Severity,
		Subject:       optional(in.Subject),
		SourceAddress: optional(in.SourceAddress),
		Description:   in.Description,
		Metadata:      in.Metadata,
	}
	s.events = append(s.events, ev)
	return &ev
}

func (s *recordingSink) count(kind models.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) last() models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// memoryLedger is an in-memory attempt ledger implementing every ledger interface
type memoryLedger struct {
	mu        sync.Mutex
	records   []models.AttemptRecord
	AppendErr error
	ReadErr   error
	// RejectFunc, when set, can refuse individual records
	RejectFunc func(rec *models.AttemptRecord) error
}

func (l *memoryLedger) Append(_ context.Context, rec *models.AttemptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return l.AppendErr
	}
	if l.RejectFunc != nil {
		if err := l.RejectFunc(rec); err != nil {
			return err
		}
	}
	l.records = append(l.records, *rec)
	return nil
}

func (l *memoryLedger) add(rec models.AttemptRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *memoryLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *memoryLedger) countOutcome(o models.Outcome) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// newestFirst returns matching records since the given time, newest first
func (l *memoryLedger) newestFirst(since time.Time, match func(models.AttemptRecord) bool) []models.AttemptRecord {
	out := make([]models.AttemptRecord, 0)
	for _, r := range l.records {
		if !r.Timestamp.Before(since) && match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func ownedBy(r models.AttemptRecord, account string) bool {
	return (r.ResolvedAccount != nil && *r.ResolvedAccount == account) || r.Identity == account
}

func (l *memoryLedger) RecentByAddress(_ context.Context, address string, since time.Time, limit int) ([]models.AttemptRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	out := l.newestFirst(since, func(r models.AttemptRecord) bool { return r.SourceAddress == address })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) CountFailuresByAddress(_ context.Context, address string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	return len(l.newestFirst(since, func(r models.AttemptRecord) bool {
		return r.SourceAddress == address && !r.Outcome.IsSuccess()
	})), nil
}

func (l *memoryLedger) CountFailuresByAccount(_ context.Context, account string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	return len(l.newestFirst(since, func(r models.AttemptRecord) bool {
		return ownedBy(r, account) && !r.Outcome.IsSuccess()
	})), nil
}

func (l *memoryLedger) SuccessfulAddresses(_ context.Context, account string, since time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	seen := map[string]bool{}
	out := []string{}
	for _, r := range l.newestFirst(since, func(r models.AttemptRecord) bool {
		return r.ResolvedAccount != nil && *r.ResolvedAccount == account && r.Outcome.IsSuccess()
	}) {
		if !seen[r.SourceAddress] {
			seen[r.SourceAddress] = true
			out = append(out, r.SourceAddress)
		}
	}
	return out, nil
}

func (l *memoryLedger) RecentSuccesses(_ context.Context, account string, since time.Time, limit int) ([]models.AttemptRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	out := l.newestFirst(since, func(r models.AttemptRecord) bool {
		return r.ResolvedAccount != nil && *r.ResolvedAccount == account && r.Outcome.IsSuccess()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) CountOutcomes(_ context.Context, since time.Time) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, 0, l.ReadErr
	}
	failed, succeeded := 0, 0
	for _, r := range l.newestFirst(since, func(models.AttemptRecord) bool { return true }) {
		if r.Outcome.IsSuccess() {
			succeeded++
		} else {
			failed++
		}
	}
	return failed, succeeded, nil
}

func (l *memoryLedger) TopFailedAddresses(_ context.Context, since time.Time, limit int) ([]models.AddressCount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	counts := map[string]int{}
	for _, r := range l.newestFirst(since, func(r models.AttemptRecord) bool { return !r.Outcome.IsSuccess() }) {
		counts[r.SourceAddress]++
	}
	out := make([]models.AddressCount, 0, len(counts))
	for addr, n := range counts {
		out = append(out, models.AddressCount{Address: addr, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MockSpool implements LedgerSpool in memory
type MockSpool struct {
	mu         sync.Mutex
	items      []models.SpooledAttempt
	dead       map[int64]string
	nextID     int64
	EnqueueErr error
}

func (s *MockSpool) Enqueue(_ context.Context, rec *models.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnqueueErr != nil {
		return s.EnqueueErr
	}
	s.nextID++
	s.items = append(s.items, models.SpooledAttempt{SpoolID: s.nextID, Record: *rec})
	return nil
}

func (s *MockSpool) Pending(_ context.Context, limit int) ([]models.SpooledAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.items))
	out := make([]models.SpooledAttempt, n)
	copy(out, s.items[:n])
	return out, nil
}

func (s *MockSpool) Remove(_ context.Context, spoolID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.SpoolID == spoolID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MockSpool) DeadLetter(_ context.Context, spoolID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead == nil {
		s.dead = make(map[int64]string)
	}
	for i, item := range s.items {
		if item.SpoolID == spoolID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.dead[spoolID] = reason
			return nil
		}
	}
	return nil
}

func (s *MockSpool) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// MockSessionStore implements SessionStore for testing
type MockSessionStore struct {
	ListByAccountFunc func(ctx context.Context, account string) ([]models.SessionRecord, error)
	DeleteFunc        func(ctx context.Context, account, sessionKey string) (int, error)
	DeleteAllFunc     func(ctx context.Context, account string) (int, error)
}

func (m *MockSessionStore) ListByAccount(ctx context.Context, account string) ([]models.SessionRecord, error) {
	if m.ListByAccountFunc != nil {
		return m.ListByAccountFunc(ctx, account)
	}
	return []models.SessionRecord{}, nil
}

func (m *MockSessionStore) Delete(ctx context.Context, account, sessionKey string) (int, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, account, sessionKey)
	}
	return 0, nil
}

func (m *MockSessionStore) DeleteAll(ctx context.Context, account string) (int, error) {
	if m.DeleteAllFunc != nil {
		return m.DeleteAllFunc(ctx, account)
	}
	return 0, nil
}

// downStore fails every call the way store.Guarded does when Redis is unreachable
type downStore struct{}

func (downStore) Set(context.Context, string, string, time.Duration) error {
	return models.ErrStoreUnavailable
}
func (downStore) Get(context.Context, string) (string, bool, error) {
	return "", false, models.ErrStoreUnavailable
}
func (downStore) Delete(context.Context, string) error { return models.ErrStoreUnavailable }
func (downStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, models.ErrStoreUnavailable
}
func (downStore) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, models.ErrStoreUnavailable
}
func (downStore) SetAdd(context.Context, string, string) error    { return models.ErrStoreUnavailable }
func (downStore) SetRemove(context.Context, string, string) error { return models.ErrStoreUnavailable }
func (downStore) SetMembers(context.Context, string) ([]string, error) {
	return nil, models.ErrStoreUnavailable
}
func (downStore) Ping(context.Context) error { return models.ErrStoreUnavailable }

var _ store.Store = downStore{}

// fixture wires every component against in-memory backends on one clock
type fixture struct {
	clock    *testClock
	store    *store.MemoryStore
	ledger   *memoryLedger
	sink     *recordingSink
	metrics  *metrics.Metrics
	tracker  *IPTracker
	guard    *BruteForceGuard
	attempts *AttemptService
	core     *SecurityCore
}

func newFixture() *fixture {
	f := &fixture{
		clock:   newTestClock(),
		ledger:  &memoryLedger{},
		sink:    &recordingSink{},
		metrics: metrics.New(),
	}
	f.store = store.NewMemoryStoreWithClock(f.clock.Now)
	keys := store.NewKeySpace("test")
	log := testLogger()

	f.tracker = NewIPTracker(f.store, keys, f.ledger, f.sink, DefaultIPTrackerConfig(), f.metrics, log)
	f.tracker.now = f.clock.Now
	f.guard = NewBruteForceGuard(f.store, keys, f.sink, DefaultGuardConfig(), f.metrics, log)
	f.guard.now = f.clock.Now
	f.attempts = NewAttemptService(f.ledger, nil, nil, f.sink, nil, f.metrics, log)
	f.attempts.now = f.clock.Now
	f.core = NewSecurityCore(f.attempts, f.tracker, f.guard, f.metrics, log)
	f.core.now = f.clock.Now
	return f
}

// fail records a failed attempt from address and advances the clock a little
func (f *fixture) fail(address, identity string) {
	f.ledger.add(models.AttemptRecord{
		Identity:      identity,
		Outcome:       models.OutcomeBadCredential,
		SourceAddress: address,
		Timestamp:     f.clock.Now(),
	})
	f.clock.Advance(10 * time.Second)
}

func (f *fixture) succeed(address, account string) {
	f.ledger.add(models.AttemptRecord{
		Identity:        account,
		ResolvedAccount: &account,
		Outcome:         models.OutcomeSuccess,
		SourceAddress:   address,
		Timestamp:       f.clock.Now(),
	})
	f.clock.Advance(10 * time.Second)
}
